package database

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"huddle/internal/logging"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// BreakerSettings tunes the circuit around the durable store.
type BreakerSettings struct {
	MaxRequests         uint32        `koanf:"max_requests"`
	Interval            time.Duration `koanf:"interval"`
	Timeout             time.Duration `koanf:"timeout"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
}

// DefaultBreakerSettings opens after five straight failures and probes again after 30s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerStore decorates a DurableStore with a circuit breaker. While the
// circuit is open calls fail fast with an Internal error instead of queueing
// behind a dead database.
type BreakerStore struct {
	next interfaces.DurableStore
	cb   *gobreaker.CircuitBreaker[any]
}

var _ interfaces.DurableStore = (*BreakerStore)(nil)

// NewBreakerStore wraps next.
func NewBreakerStore(next interfaces.DurableStore, s BreakerSettings) *BreakerStore {
	log := logging.Component("database")
	threshold := s.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultBreakerSettings().ConsecutiveFailures
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "durable-store",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		// A missing row or a cancelled caller says nothing about database health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, interfaces.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

// State exposes the breaker state for health reporting.
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

func (b *BreakerStore) run(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return translateBreakerErr(err)
}

func translateBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.WrapError(types.KindInternal, err, "durable store unavailable")
	}
	return err
}

func (b *BreakerStore) CreateMessage(ctx context.Context, msg *types.Message) error {
	return b.run(func() error { return b.next.CreateMessage(ctx, msg) })
}

func (b *BreakerStore) FindMessages(ctx context.Context, q interfaces.MessageQuery) ([]*types.Message, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.FindMessages(ctx, q)
	})
	if err != nil {
		return nil, translateBreakerErr(err)
	}
	msgs, _ := res.([]*types.Message)
	return msgs, nil
}

func (b *BreakerStore) UpdateMessage(ctx context.Context, msg *types.Message) error {
	return b.run(func() error { return b.next.UpdateMessage(ctx, msg) })
}

func (b *BreakerStore) DeleteMessage(ctx context.Context, messageID string) error {
	return b.run(func() error { return b.next.DeleteMessage(ctx, messageID) })
}

func (b *BreakerStore) SaveGroup(ctx context.Context, g *types.Group) error {
	return b.run(func() error { return b.next.SaveGroup(ctx, g) })
}

func (b *BreakerStore) ListGroups(ctx context.Context) ([]*types.Group, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.ListGroups(ctx)
	})
	if err != nil {
		return nil, translateBreakerErr(err)
	}
	groups, _ := res.([]*types.Group)
	return groups, nil
}

// HealthCheck bypasses the breaker so a recovering database is visible.
func (b *BreakerStore) HealthCheck(ctx context.Context) error {
	return b.next.HealthCheck(ctx)
}

func (b *BreakerStore) Close() error {
	return b.next.Close()
}
