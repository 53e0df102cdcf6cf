package websocket

import (
	"sync"

	"github.com/rs/zerolog"

	"huddle/internal/logging"
	"huddle/pkg/interfaces"
)

// Registry tracks the live socket of every client and is the router's
// Transport. Emit and Broadcast only enqueue.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	log   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		log:   logging.Component("websocket"),
	}
}

// Register makes conn the live socket of its client id. A previous socket
// for the same id is closed.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	old := r.conns[conn.ID()]
	r.conns[conn.ID()] = conn
	r.mu.Unlock()

	if old != nil && old != conn {
		go old.Close()
	}
}

// Unregister removes conn if it is still the live socket of its client id.
// It reports whether it was; a replaced socket must not tear down its
// successor's state.
func (r *Registry) Unregister(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[conn.ID()]; !ok || cur != conn {
		return false
	}
	delete(r.conns, conn.ID())
	return true
}

// Get returns the live socket of clientID.
func (r *Registry) Get(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[clientID]
	return c, ok
}

// Count returns the number of live sockets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Emit implements interfaces.Transport.
func (r *Registry) Emit(connectionID, event string, payload any) error {
	c, ok := r.Get(connectionID)
	if !ok {
		return interfaces.ErrNotConnected
	}
	return c.Send(event, nil, payload)
}

// Broadcast implements interfaces.Transport. The frame is encoded once;
// sockets whose buffer is full miss it.
func (r *Registry) Broadcast(event string, payload any) {
	data, err := encodeFrame(event, nil, payload)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("broadcast payload could not be encoded")
		return
	}
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.enqueue(data)
	}
}
