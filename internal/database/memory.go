package database

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	dbconfig "huddle/pkg/database"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// MemoryStore is a process-local DurableStore used by tests and by the
// "memory" driver. It stores deep copies so callers cannot alias its state.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*types.Message
	groups   map[string]*types.Group

	// failWith, when set, is returned by every call.
	failWith error
}

var _ interfaces.DurableStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*types.Message),
		groups:   make(map[string]*types.Group),
	}
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.messages[msg.ID] = msg.Clone()
	return nil
}

func (s *MemoryStore) FindMessages(_ context.Context, q interfaces.MessageQuery) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if q.MessageID != "" {
		if m, ok := s.messages[q.MessageID]; ok {
			return []*types.Message{m.Clone()}, nil
		}
		return nil, nil
	}

	var out []*types.Message
	for _, m := range s.messages {
		if m.GroupID != q.GroupID {
			continue
		}
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		if q.PinnedOnly && !m.Pinned {
			continue
		}
		out = append(out, m.Clone())
	}
	slices.SortFunc(out, func(a, b *types.Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.messages[msg.ID]; !ok {
		return interfaces.ErrNotFound
	}
	s.messages[msg.ID] = msg.Clone()
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.messages[messageID]; !ok {
		return interfaces.ErrNotFound
	}
	delete(s.messages, messageID)
	return nil
}

func (s *MemoryStore) SaveGroup(_ context.Context, g *types.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.groups[g.ID] = g.Clone()
	return nil
}

func (s *MemoryStore) ListGroups(_ context.Context) ([]*types.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make([]*types.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	slices.SortFunc(out, func(a, b *types.Group) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failWith
}

func (s *MemoryStore) Close() error { return nil }

// SetFailure makes every subsequent call return err. Pass nil to recover.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// MessageCount returns the number of stored messages.
func (s *MemoryStore) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Open builds the store selected by cfg.Driver.
func Open(cfg *dbconfig.Config) (interfaces.DurableStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if cfg.Driver == dbconfig.DriverMemory {
		return NewMemoryStore(), nil
	}
	return NewManager(cfg)
}
