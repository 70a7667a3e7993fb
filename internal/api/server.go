package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-agent/internal/ratelimit"
	"github.com/shehryarbajwa/browser-agent/pkg/models"
)

// SetupRoutes configures all HTTP routes. rateLimiter may be nil.
func (h *Handler) SetupRoutes(snapshotHandler *SnapshotHandler, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", h.Root).Methods("GET")

	// Command routes, rate limited when a limiter is configured
	cmds := r.PathPrefix("").Subrouter()
	if rateLimiter != nil {
		cmds.Use(RateLimitMiddleware(rateLimiter))
	}
	cmds.HandleFunc("/status", h.Op(models.OpStatus)).Methods("GET", "POST")
	cmds.HandleFunc("/console", h.Op(models.OpConsole)).Methods("GET", "POST")
	for _, op := range []models.Op{
		models.OpNavigate, models.OpExecute, models.OpDOM, models.OpScreenshot,
		models.OpWait, models.OpFill, models.OpClick, models.OpClickAt,
		models.OpVisualize, models.OpDetect, models.OpSegment,
	} {
		cmds.HandleFunc("/"+string(op), h.Op(op)).Methods("POST")
	}
	cmds.HandleFunc("/command", h.Command).Methods("POST")

	// Snapshot and debug endpoints (not rate limited)
	r.HandleFunc("/snapshot", snapshotHandler.GetSnapshot).Methods("GET")
	r.HandleFunc("/snapshot", snapshotHandler.SaveSnapshot).Methods("POST")
	r.HandleFunc("/snapshot", snapshotHandler.DeleteSnapshot).Methods("DELETE")
	r.HandleFunc("/debug", h.GetDebugURL).Methods("GET")
	r.HandleFunc("/debug/ws", h.DebugSocket).Methods("GET")

	// Preflight for any path; corsMiddleware answers it
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(h.logger))

	return r
}

// NewServer wraps the router in an http.Server. There is no write timeout;
// commands carry their own deadlines.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
}
