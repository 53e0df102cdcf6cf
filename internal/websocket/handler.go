package websocket

import (
	"context"
	"net/http"
	"regexp"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"huddle/internal/logging"
	"huddle/pkg/types"
)

// Events the transport emits on its own. connected greets every new socket
// with its connection id; error answers a frame that could not be parsed.
const (
	EventConnected = "connected"
	EventAck       = "ack"
	EventError     = "error"
)

// Config tunes socket handling. Zero values take the defaults.
type Config struct {
	// WriteWait bounds one frame write.
	WriteWait time.Duration `koanf:"write_wait"`
	// PongWait is how long a socket may stay silent before it is dropped.
	PongWait time.Duration `koanf:"pong_wait"`
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration `koanf:"ping_interval"`
	// SendBuffer is the number of outbound frames queued per socket.
	SendBuffer int `koanf:"send_buffer"`
	// MaxFrameBytes bounds one inbound frame.
	MaxFrameBytes int64 `koanf:"max_frame_bytes"`
	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// DefaultConfig returns the stock socket settings.
func DefaultConfig() Config {
	return Config{
		WriteWait:     5 * time.Second,
		PongWait:      60 * time.Second,
		PingInterval:  30 * time.Second,
		SendBuffer:    256,
		MaxFrameBytes: 64 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	return c
}

// Dispatcher runs inbound events. Implemented by hub.Hub.
type Dispatcher interface {
	Dispatch(ctx context.Context, connectionID, event string, data []byte) types.Ack
	Disconnect(ctx context.Context, connectionID string)
}

// ConnectionMetrics counts open sockets. Optional.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Handler upgrades HTTP requests to sockets and pumps frames between each
// socket and the dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	metrics    ConnectionMetrics
	cfg        Config
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	// lifecycle serialises socket registration against departure cleanup, so
	// a reconnect never races the disconnect of the socket it replaced.
	lifecycle sync.Mutex
}

// NewHandler creates a handler. metrics may be nil.
func NewHandler(registry *Registry, dispatcher Dispatcher, metrics ConnectionMetrics, cfg Config) *Handler {
	cfg = cfg.withDefaults()
	h := &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    metrics,
		cfg:        cfg,
		log:        logging.Component("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP accepts a socket. The optional client_id query parameter keeps
// the connection id stable across reconnects; without it a fresh id is issued.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if !clientIDPattern.MatchString(clientID) {
		http.Error(w, ErrInvalidClientID.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := NewConnection(ws, clientID, h.cfg)

	h.lifecycle.Lock()
	h.registry.Register(conn)
	h.lifecycle.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
	h.log.Debug().Str("connection_id", clientID).Str("remote", r.RemoteAddr).Msg("socket opened")

	if err := conn.Send(EventConnected, nil, map[string]string{"connectionId": clientID}); err != nil {
		h.log.Debug().Err(err).Str("connection_id", clientID).Msg("failed to greet socket")
	}
	go h.serve(conn)
}

// serve is the read pump. Frames are dispatched one at a time, in arrival order.
func (h *Handler) serve(conn *Connection) {
	defer h.release(conn)

	ws := conn.conn
	ws.SetReadLimit(h.cfg.MaxFrameBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	go h.ping(conn)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("connection_id", conn.ID()).Msg("socket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, data)
	}
}

func (h *Handler) handleFrame(conn *Connection, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		_ = conn.Send(EventError, nil, types.Failed(types.WrapError(types.KindInvalidInput, ErrInvalidFrame, ErrInvalidFrame.Error())))
		return
	}
	ack := h.dispatcher.Dispatch(context.Background(), conn.ID(), f.Event, f.Data)
	if f.Ack == nil {
		return
	}
	if err := conn.Send(EventAck, f.Ack, ack); err != nil {
		h.log.Debug().Err(err).Str("connection_id", conn.ID()).Str("event", f.Event).Msg("ack not delivered")
	}
}

func (h *Handler) ping(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// release unregisters conn and, if it was still the client's live socket,
// runs the departure cleanup.
func (h *Handler) release(conn *Connection) {
	h.lifecycle.Lock()
	if h.registry.Unregister(conn) {
		h.dispatcher.Disconnect(context.Background(), conn.ID())
	}
	h.lifecycle.Unlock()

	_ = conn.Close()
	if h.metrics != nil {
		h.metrics.ConnectionClosed()
	}
	h.log.Debug().Str("connection_id", conn.ID()).Msg("socket closed")
}
