package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provigil/proctor/internal/core"
)

// newTestWSConn dials a real websocket pair and wraps the server side,
// so wsConn is tested with the same connection type production uses.
func newTestWSConn(t *testing.T) *wsConn {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server := <-accepted
	return &wsConn{conn: server, send: make(chan core.Frame, 32)}
}

func TestTrySendAfterCloseReturnsError(t *testing.T) {
	c := newTestWSConn(t)
	c.Close()

	err := c.TrySend(core.Frame(`{"type":"logMessage"}`))
	assert.ErrorIs(t, err, websocket.ErrCloseSent)
}

// Broadcasters on other connections' goroutines may race the read
// pump's Close; no interleaving may panic.
func TestTrySendCloseRace(t *testing.T) {
	c := newTestWSConn(t)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				_ = c.TrySend(core.Frame(`{"type":"newProducerAvailable"}`))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		c.Close()
	}()

	close(start)
	wg.Wait()

	err := c.TrySend(core.Frame(`{}`))
	assert.ErrorIs(t, err, websocket.ErrCloseSent)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestWSConn(t)
	c.Close()
	c.Close()
}
