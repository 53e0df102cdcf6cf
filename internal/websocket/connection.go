package websocket

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"huddle/internal/logging"
)

// Frame is the wire envelope in both directions. Ack is the client's
// callback id; the reply to a frame carrying one is an "ack" frame with the
// same id.
type Frame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, ack *int64, data any) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, Ack: ack, Data: data})
}

// Connection wraps one client socket.
// ARCHITECTURAL DISCOVERY: gorilla sockets allow one concurrent writer, so all
// frames go through a buffered channel drained by a single writer goroutine.
// Enqueueing never blocks; a full buffer means the client is not keeping up.
type Connection struct {
	conn      *websocket.Conn
	id        string
	writeCh   chan []byte
	writeWait time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewConnection starts the writer for conn, identified by clientID.
func NewConnection(conn *websocket.Conn, clientID string, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:      conn,
		id:        clientID,
		writeCh:   make(chan []byte, cfg.SendBuffer),
		writeWait: cfg.WriteWait,
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.Component("websocket").With().Str("connection_id", clientID).Logger(),
	}
	go c.writeLoop()
	return c
}

// ID returns the client id the connection was opened with.
func (c *Connection) ID() string { return c.id }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send encodes and queues one frame.
func (c *Connection) Send(event string, ack *int64, data any) error {
	payload, err := encodeFrame(event, ack, data)
	if err != nil {
		return err
	}
	return c.enqueue(payload)
}

func (c *Connection) enqueue(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.writeCh <- payload:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
