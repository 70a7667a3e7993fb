package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticEndpoint string

func (e staticEndpoint) DebugEndpoint() string {
	return string(e)
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestProxyRelaysFrames(t *testing.T) {
	t.Parallel()

	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer echo.Close()

	srv := NewServer(staticEndpoint(wsURL(echo)), nil)
	front := httptest.NewServer(http.HandlerFunc(srv.HandleDebugConnection))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Browser.getVersion"}`)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `echo:{"id":1,"method":"Browser.getVersion"}`, string(msg))
}

func TestProxyWithoutEndpoint(t *testing.T) {
	t.Parallel()

	srv := NewServer(staticEndpoint(""), nil)
	rec := httptest.NewRecorder()
	srv.HandleDebugConnection(rec, httptest.NewRequest(http.MethodGet, "/debug/ws", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrNoEndpoint.Error())
}

func TestProxyUnreachableBrowser(t *testing.T) {
	t.Parallel()

	srv := NewServer(staticEndpoint("ws://127.0.0.1:1"), nil)
	rec := httptest.NewRecorder()
	srv.HandleDebugConnection(rec, httptest.NewRequest(http.MethodGet, "/debug/ws", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
