package app

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/config"
	"huddle/internal/router"
	ws "huddle/internal/websocket"
	"huddle/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	cfg.Database.Driver = "memory"
	cfg.Encryption.KDFIterations = 1000
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.PageSize = 0
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNew_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "huddle.db")

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })

	res, err := a.Router().Connect(context.Background(), "alice", "Alice")
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
}

// sendAndAwaitAck writes one frame and reads until its ack arrives.
func sendAndAwaitAck(t *testing.T, c *websocket.Conn, id int64, event string, data any) types.Ack {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]any{"event": event, "ack": id, "data": json.RawMessage(payload)})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))

	for {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, raw, err := c.ReadMessage()
		require.NoError(t, err)
		var f ws.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Event != ws.EventAck || f.Ack == nil || *f.Ack != id {
			continue
		}
		var ack types.Ack
		require.NoError(t, json.Unmarshal(f.Data, &ack))
		return ack
	}
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	base := "http://" + a.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws?client_id=alice", nil)
	require.NoError(t, err)
	defer c.Close()

	ack := sendAndAwaitAck(t, c, 1, "set-username", "Alice")
	require.True(t, ack.Success, "%+v", ack.Error)

	ack = sendAndAwaitAck(t, c, 2, "create-group", map[string]any{"name": "ops"})
	require.True(t, ack.Success, "%+v", ack.Error)

	ack = sendAndAwaitAck(t, c, 3, "leave-group", map[string]any{})
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, types.KindInvalidInput, ack.Error.Kind)

	resp, err = http.Get(base + "/api/stats")
	require.NoError(t, err)
	var stats router.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.OnlineUsers)
	assert.Equal(t, 1, stats.Groups)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Sweep(time.Duration) router.SweepResult {
	c.calls.Add(1)
	return router.SweepResult{}
}

func TestMaintenanceService_SweepsUntilCancelled(t *testing.T) {
	target := &countingSweeper{}
	svc := &maintenanceService{target: target, interval: 5 * time.Millisecond, bucketIdle: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return target.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, "maintenance", svc.String())
}
