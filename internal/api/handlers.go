package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-agent/internal/failure"
	"github.com/shehryarbajwa/browser-agent/internal/proxy"
	"github.com/shehryarbajwa/browser-agent/internal/session"
	"github.com/shehryarbajwa/browser-agent/pkg/models"
)

// ServiceName is reported by the root document.
const ServiceName = "browser-agent"

const maxBodyBytes = 1 << 20

// Dispatcher executes commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd models.Command) models.Result
}

// Session exposes the session facts the transport reports directly.
type Session interface {
	Info() session.Info
	SaveSnapshot(ctx context.Context) error
	ClearSnapshot(ctx context.Context) (bool, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	dispatcher Dispatcher
	session    Session
	proxy      *proxy.Server
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(dispatcher Dispatcher, sess Session, proxyServer *proxy.Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dispatcher: dispatcher,
		session:    sess,
		proxy:      proxyServer,
		logger:     logger.Named("api"),
	}
}

// Root handles GET /
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"service": ServiceName,
		"state":   h.session.Info().State,
	})
}

// Op returns the handler for a single-operation route. Arguments come from
// the JSON body; GET requests may pass selector and limit as query values.
func (h *Handler) Op(op models.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var args models.Args
		if err := decodeBody(r, &args); err != nil {
			writeResult(w, invalid(op, err))
			return
		}
		if err := argsFromQuery(r, &args); err != nil {
			writeResult(w, invalid(op, err))
			return
		}

		cmd := models.Command{ID: r.Header.Get("X-Request-ID"), Op: op, Args: args}
		writeResult(w, h.dispatcher.Dispatch(r.Context(), cmd))
	}
}

// Command handles POST /command with a full {id, op, args} document.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	var cmd models.Command
	if err := decodeBody(r, &cmd); err != nil {
		writeResult(w, invalid("", err))
		return
	}
	if cmd.ID == "" {
		cmd.ID = r.Header.Get("X-Request-ID")
	}
	writeResult(w, h.dispatcher.Dispatch(r.Context(), cmd))
}

// GetDebugURL handles GET /debug
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	if _, err := h.proxy.Endpoint(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": err.Error()})
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"debuggerUrl": fmt.Sprintf("%s://%s/debug/ws", scheme, r.Host),
		"state":       h.session.Info().State,
	})
}

// DebugSocket handles GET /debug/ws
func (h *Handler) DebugSocket(w http.ResponseWriter, r *http.Request) {
	h.proxy.HandleDebugConnection(w, r)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Method == http.MethodGet {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func argsFromQuery(r *http.Request, args *models.Args) error {
	q := r.URL.Query()
	if s := q.Get("selector"); s != "" && args.Selector == "" {
		args.Selector = s
	}
	if s := q.Get("limit"); s != "" && args.Limit == 0 {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid limit %q", s)
		}
		args.Limit = n
	}
	return nil
}

func invalid(op models.Op, err error) models.Result {
	return models.Result{
		Op:        op,
		Error:     err.Error(),
		ErrorKind: string(failure.KindValidation),
	}
}

func writeResult(w http.ResponseWriter, res models.Result) {
	status := http.StatusOK
	if !res.Success {
		status = failure.HTTPStatus(failure.Kind(res.ErrorKind))
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
