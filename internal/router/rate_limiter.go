package router

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"huddle/internal/clock"
)

// Operation names a rate-limited action.
type Operation string

const (
	OpMessage  Operation = "message"
	OpUpload   Operation = "upload"
	OpReaction Operation = "reaction"
	OpSearch   Operation = "search"
)

const (
	ScopeGlobal   = "global"
	ScopeIdentity = "identity"
)

// Budget allows Tokens operations per Interval with continuous refill.
// A zero budget leaves that scope unlimited.
type Budget struct {
	Tokens   int
	Interval time.Duration
}

func (b Budget) enabled() bool { return b.Tokens > 0 && b.Interval > 0 }

func (b Budget) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(b.Tokens)/b.Interval.Seconds()), b.Tokens)
}

// Limits pairs the process-wide and per-identity budgets of one operation.
type Limits struct {
	Global      Budget
	PerIdentity Budget
}

// DefaultLimits returns the stock budgets.
func DefaultLimits() map[Operation]Limits {
	return map[Operation]Limits{
		OpMessage: {
			Global:      Budget{Tokens: 10, Interval: time.Second},
			PerIdentity: Budget{Tokens: 30, Interval: time.Minute},
		},
		OpUpload: {
			Global:      Budget{Tokens: 5, Interval: time.Minute},
			PerIdentity: Budget{Tokens: 10, Interval: time.Minute},
		},
		OpReaction: {Global: Budget{Tokens: 20, Interval: time.Second}},
		OpSearch:   {Global: Budget{Tokens: 5, Interval: time.Second}},
	}
}

// LimitError reports which scope ran out of tokens.
type LimitError struct {
	Operation Operation
	Scope     string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s budget for %s exhausted", e.Scope, e.Operation)
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

type identityBucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimiter keeps token buckets per operation and per (identity, operation).
// ARCHITECTURAL DISCOVERY: both buckets are inspected and debited under one
// lock, so a call either takes a token from each bucket or from neither.
type RateLimiter struct {
	mu         sync.Mutex
	clock      clock.Clock
	limits     map[Operation]Limits
	global     map[Operation]*rate.Limiter
	identities map[string]map[Operation]*identityBucket
}

// NewRateLimiter creates a limiter. Operations missing from limits are unlimited.
func NewRateLimiter(limits map[Operation]Limits, c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.Real{}
	}
	rl := &RateLimiter{
		clock:      c,
		limits:     limits,
		global:     make(map[Operation]*rate.Limiter),
		identities: make(map[string]map[Operation]*identityBucket),
	}
	for op, l := range limits {
		if l.Global.enabled() {
			rl.global[op] = l.Global.limiter()
		}
	}
	return rl
}

// CheckLimit takes one token from the global and the identity bucket of op.
// On failure it returns a *LimitError and consumes nothing.
func (rl *RateLimiter) CheckLimit(identityID string, op Operation) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	global := rl.global[op]
	var ib *identityBucket
	if l := rl.limits[op]; l.PerIdentity.enabled() {
		ib = rl.identityBucket(identityID, op, l.PerIdentity)
	}

	if global != nil && global.TokensAt(now) < 1 {
		return &LimitError{Operation: op, Scope: ScopeGlobal}
	}
	if ib != nil && ib.limiter.TokensAt(now) < 1 {
		return &LimitError{Operation: op, Scope: ScopeIdentity}
	}

	if global != nil {
		global.AllowN(now, 1)
	}
	if ib != nil {
		ib.limiter.AllowN(now, 1)
		ib.lastUsed = now
	}
	return nil
}

func (rl *RateLimiter) identityBucket(identityID string, op Operation, b Budget) *identityBucket {
	ops, ok := rl.identities[identityID]
	if !ok {
		ops = make(map[Operation]*identityBucket)
		rl.identities[identityID] = ops
	}
	ib, ok := ops[op]
	if !ok {
		ib = &identityBucket{limiter: b.limiter(), lastUsed: rl.clock.Now()}
		ops[op] = ib
	}
	return ib
}

// ResetLimits drops every bucket of identityID.
func (rl *RateLimiter) ResetLimits(identityID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.identities, identityID)
}

// Cleanup removes identity buckets unused for longer than idle and returns how many identities were dropped.
// FUNCTIONAL DISCOVERY: idle must be at least the longest budget interval;
// such a bucket has refilled to full and dropping it changes nothing.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	dropped := 0
	for id, ops := range rl.identities {
		for op, ib := range ops {
			if now.Sub(ib.lastUsed) > idle {
				delete(ops, op)
			}
		}
		if len(ops) == 0 {
			delete(rl.identities, id)
			dropped++
		}
	}
	return dropped
}

// TrackedIdentities returns how many identities currently hold buckets.
func (rl *RateLimiter) TrackedIdentities() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.identities)
}
