// Package proxy relays a DevTools websocket between a debugging client and
// the browser session's CDP endpoint.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// ErrNoEndpoint is reported when the session has no CDP endpoint to relay
// to, which is the case for locally launched and mock browsers.
var ErrNoEndpoint = errors.New("browser session has no debug endpoint")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EndpointSource reports the CDP websocket URL of the live session.
type EndpointSource interface {
	DebugEndpoint() string
}

type Server struct {
	source EndpointSource
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewServer(source EndpointSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		source: source,
		dialer: websocket.DefaultDialer,
		logger: logger.Named("proxy"),
	}
}

// Endpoint returns the upstream CDP URL or ErrNoEndpoint.
func (s *Server) Endpoint() (string, error) {
	endpoint := s.source.DebugEndpoint()
	if endpoint == "" {
		return "", ErrNoEndpoint
	}
	return endpoint, nil
}

// HandleDebugConnection upgrades the request and pipes frames both ways
// until either side hangs up.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request) {
	browserURL, err := s.Endpoint()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()
	browserConn, _, err := s.dialer.DialContext(ctx, browserURL, nil)
	if err != nil {
		s.logger.Error("failed to connect to browser", zap.String("url", browserURL), zap.Error(err))
		http.Error(w, fmt.Sprintf("connect to browser: %v", err), http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade debug connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	s.logger.Info("debug client connected", zap.String("remote", r.RemoteAddr))

	errChan := make(chan error, 2)
	go func() {
		errChan <- s.proxyMessages(clientConn, browserConn, "client->browser")
	}()
	go func() {
		errChan <- s.proxyMessages(browserConn, clientConn, "browser->client")
	}()

	if err := <-errChan; err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("debug proxy ended", zap.Error(err))
	}
	s.logger.Info("debug client disconnected", zap.String("remote", r.RemoteAddr))
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", zap.String("direction", direction), zap.Error(err))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			s.logger.Warn("websocket write failed", zap.String("direction", direction), zap.Error(err))
			return err
		}
	}
}
