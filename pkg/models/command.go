package models

// Op names a command kind.
type Op string

const (
	OpStatus     Op = "status"
	OpNavigate   Op = "navigate"
	OpExecute    Op = "execute"
	OpDOM        Op = "dom"
	OpScreenshot Op = "screenshot"
	OpConsole    Op = "console"
	OpWait       Op = "wait"
	OpFill       Op = "fill"
	OpClick      Op = "click"
	OpClickAt    Op = "click_at"
	OpVisualize  Op = "visualize"
	OpDetect     Op = "detect"
	OpSegment    Op = "segment"
)

// Ops lists every command kind the service accepts.
var Ops = []Op{
	OpStatus, OpNavigate, OpExecute, OpDOM, OpScreenshot, OpConsole,
	OpWait, OpFill, OpClick, OpClickAt, OpVisualize, OpDetect, OpSegment,
}

// Valid reports whether op is a known command kind.
func (op Op) Valid() bool {
	for _, known := range Ops {
		if op == known {
			return true
		}
	}
	return false
}

// Args carries the arguments of every command kind. Which fields are
// required depends on the operation.
type Args struct {
	URL      string   `json:"url,omitempty"`
	Script   string   `json:"script,omitempty"`
	Selector string   `json:"selector,omitempty"`
	Value    *string  `json:"value,omitempty"`
	Name     string   `json:"name,omitempty"`
	FullPage bool     `json:"fullPage,omitempty"`
	Timeout  int      `json:"timeout,omitempty"` // milliseconds
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	CSV      *bool    `json:"csv,omitempty"`
}

// WantsCSV reports whether vision commands should produce an element
// table. It defaults to true.
func (a Args) WantsCSV() bool {
	return a.CSV == nil || *a.CSV
}

// Command is one requested browser operation.
type Command struct {
	ID   string `json:"id,omitempty"`
	Op   Op     `json:"op"`
	Args Args   `json:"args"`
}

// String returns a pointer to s, for Args.Value.
func String(s string) *string {
	return &s
}

// Bool returns a pointer to b, for Args.CSV.
func Bool(b bool) *bool {
	return &b
}

// Float returns a pointer to f, for Args.X and Args.Y.
func Float(f float64) *float64 {
	return &f
}
