package integration

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"huddle/internal/app"
	"huddle/internal/config"
	ws "huddle/internal/websocket"
	"huddle/pkg/types"
)

const waitFor = 3 * time.Second

// server is one running application bound to a free port.
type server struct {
	app    *app.Application
	cancel context.CancelFunc
	done   chan error
}

func testConfig(dbPath string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	cfg.Database.Path = dbPath
	cfg.Encryption.KDFIterations = 1000
	cfg.Chat.SystemMessages = false
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &server{app: a, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return a.Addr() != "" }, waitFor, 10*time.Millisecond)

	t.Cleanup(func() { s.stop(t) })
	return s
}

// stop is idempotent so tests may restart a server mid-scenario.
func (s *server) stop(t *testing.T) {
	t.Helper()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func sqlitePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "huddle.db")
}

// client is a scripted socket user. Frames that a call is not waiting for
// are kept in arrival order for later Expect calls.
type client struct {
	t       *testing.T
	id      string
	conn    *websocket.Conn
	frames  chan ws.Frame
	pending []ws.Frame
	nextAck int64
}

func dial(t *testing.T, s *server, id string) *client {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: s.app.Addr(), Path: "/ws", RawQuery: "client_id=" + id}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)

	c := &client{t: t, id: id, conn: conn, frames: make(chan ws.Frame, 256)}
	go c.readLoop()
	t.Cleanup(c.close)

	hello := c.expect(ws.EventConnected)
	require.JSONEq(t, `{"connectionId":"`+id+`"}`, string(hello))
	return c
}

func (c *client) readLoop() {
	defer close(c.frames)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f ws.Frame
		if json.Unmarshal(raw, &f) == nil {
			c.frames <- f
		}
	}
}

func (c *client) close() { _ = c.conn.Close() }

func (c *client) next() ws.Frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "%s: socket closed", c.id)
		return f
	case <-time.After(waitFor):
		c.t.Fatalf("%s: timed out waiting for a frame", c.id)
		return ws.Frame{}
	}
}

// request sends one event and returns its ack.
func (c *client) request(event string, data any) types.Ack {
	c.t.Helper()
	c.nextAck++
	id := c.nextAck
	payload, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(ws.Frame{Event: event, Ack: &id, Data: payload})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))

	for {
		f := c.next()
		if f.Event == ws.EventAck && f.Ack != nil && *f.Ack == id {
			var ack types.Ack
			require.NoError(c.t, json.Unmarshal(f.Data, &ack))
			return ack
		}
		c.pending = append(c.pending, f)
	}
}

// ok is request that must succeed. It returns the ack.
func (c *client) ok(event string, data any) types.Ack {
	c.t.Helper()
	ack := c.request(event, data)
	require.True(c.t, ack.Success, "%s %s: %+v", c.id, event, ack.Error)
	return ack
}

// expect returns the payload of the next event with the given name.
func (c *client) expect(event string) json.RawMessage {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Event == event {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f.Data
		}
	}
	for {
		f := c.next()
		if f.Event == event {
			return f.Data
		}
		c.pending = append(c.pending, f)
	}
}

func decodeInto[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
