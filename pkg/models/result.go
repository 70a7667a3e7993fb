package models

import "encoding/json"

// RecoveryReasonSessionTimeout is reported when a command succeeded only
// after the session was rebuilt.
const RecoveryReasonSessionTimeout = "session_timeout"

// Result is the outcome of a command. On the wire the payload fields sit
// next to the envelope fields.
type Result struct {
	Success        bool   `json:"success"`
	Op             Op     `json:"operation,omitempty"`
	ID             string `json:"id,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	Recovered      bool   `json:"recovered,omitempty"`
	RecoveryReason string `json:"recoveryReason,omitempty"`

	Payload map[string]any `json:"-"`
}

type resultEnvelope struct {
	Success        bool   `json:"success"`
	Op             Op     `json:"operation,omitempty"`
	ID             string `json:"id,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	Recovered      bool   `json:"recovered,omitempty"`
	RecoveryReason string `json:"recoveryReason,omitempty"`
}

var envelopeKeys = []string{"success", "operation", "id", "error", "errorKind", "recovered", "recoveryReason"}

// MarshalJSON flattens the payload into the envelope. Envelope fields win
// over payload keys of the same name.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+len(envelopeKeys))
	for k, v := range r.Payload {
		out[k] = v
	}

	data, err := json.Marshal(r.envelope())
	if err != nil {
		return nil, err
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	for k, v := range env {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat response back into envelope and payload.
func (r *Result) UnmarshalJSON(data []byte) error {
	var env resultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range envelopeKeys {
		delete(all, k)
	}

	*r = Result{
		Success:        env.Success,
		Op:             env.Op,
		ID:             env.ID,
		Error:          env.Error,
		ErrorKind:      env.ErrorKind,
		Recovered:      env.Recovered,
		RecoveryReason: env.RecoveryReason,
	}
	if len(all) > 0 {
		r.Payload = all
	}
	return nil
}

func (r Result) envelope() resultEnvelope {
	return resultEnvelope{
		Success:        r.Success,
		Op:             r.Op,
		ID:             r.ID,
		Error:          r.Error,
		ErrorKind:      r.ErrorKind,
		Recovered:      r.Recovered,
		RecoveryReason: r.RecoveryReason,
	}
}
