// Package router is the group message-delivery engine. It validates identity
// and membership, applies rate limits, seals and opens message envelopes,
// keeps the cache and store in step, and fans events out through the
// transport, queueing for members without a live connection.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"huddle/internal/cache"
	"huddle/internal/clock"
	"huddle/internal/envelope"
	"huddle/internal/group"
	"huddle/internal/logging"
	"huddle/internal/offline"
	"huddle/internal/presence"
	"huddle/internal/sanitize"
	"huddle/internal/scheduler"
	"huddle/internal/session"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// Config tunes router behaviour. Zero values take the defaults.
type Config struct {
	MaxMessageLength int
	PageSize         int
	SearchLimit      int
	// SystemMessages posts a notice into the group on create, join, leave and role change.
	SystemMessages bool
}

// DefaultConfig returns the stock router settings.
func DefaultConfig() Config {
	return Config{
		MaxMessageLength: types.DefaultMaxMessageLength,
		PageSize:         50,
		SearchLimit:      20,
		SystemMessages:   true,
	}
}

// Deps are the collaborators a Router is built from.
type Deps struct {
	Sessions  *session.Registry
	Groups    *group.Manager
	Cache     *cache.MessageCache
	Limiter   *RateLimiter
	Offline   *offline.Queue
	Presence  *presence.Tracker
	Scheduler *scheduler.Scheduler
	Codec     *envelope.Codec
	Sanitizer *sanitize.Sanitizer
	Store     interfaces.DurableStore
	Transport interfaces.Transport
	Telemetry interfaces.Telemetry
	Clock     clock.Clock
}

// Router implements every inbound operation. Methods are safe for concurrent use.
// ARCHITECTURAL DISCOVERY: operations on one group are linearised by a per-group
// lock held across store I/O and fan-out, so the store, the cache and every
// recipient observe the same message order. Distinct groups never contend.
type Router struct {
	cfg Config
	Deps
	log zerolog.Logger

	groupLocks    *keyedMutex
	identityLocks *keyedMutex

	// syncing marks identities whose offline queue is being flushed. Queued
	// events for them keep going to the queue until it drains, so replayed
	// history is never overtaken by live traffic.
	syncMu  sync.Mutex
	syncing map[string]bool

	// lastCreated is the newest message timestamp issued per group.
	stampMu     sync.Mutex
	lastCreated map[string]time.Time
}

// New builds a router and subscribes it to registry and presence changes.
func New(d Deps, cfg Config) *Router {
	def := DefaultConfig()
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Sanitizer == nil {
		d.Sanitizer = sanitize.New()
	}
	if d.Codec == nil {
		d.Codec = envelope.NewCodec()
	}

	r := &Router{
		cfg:           cfg,
		Deps:          d,
		log:           logging.Component("router"),
		groupLocks:    newKeyedMutex(),
		identityLocks: newKeyedMutex(),
		syncing:       make(map[string]bool),
		lastCreated:   make(map[string]time.Time),
	}
	d.Sessions.SetListener(r)
	d.Presence.SetListener(r)
	return r
}

// do runs one public operation: it recovers panics, converts every failure
// into a *types.Error, escalates Internal ones and records the outcome.
func (r *Router) do(op string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			cause := fmt.Errorf("panic in %s: %v", op, p)
			r.log.Error().Str("operation", op).Interface("panic", p).Msg("recovered panic")
			err = types.WrapError(types.KindInternal, cause, "internal error")
			r.Telemetry.Escalate(op, cause)
		}
		r.Telemetry.ObserveOperation(op, types.KindOf(err), time.Since(start))
	}()

	if e := fn(); e != nil {
		te := classify(e)
		if te.Kind == types.KindInternal {
			r.log.Error().Err(e).Str("operation", op).Msg("operation failed")
			r.Telemetry.Escalate(op, e)
		}
		return te
	}
	return nil
}

func (r *Router) identity(connectionID string) (types.Identity, error) {
	id, ok := r.Sessions.Lookup(connectionID)
	if !ok {
		return types.Identity{}, types.NewError(types.KindNotAuthenticated, "set a username first")
	}
	return id, nil
}

// memberGroup loads groupID and checks that identityID belongs to it.
func (r *Router) memberGroup(groupID, identityID string) (*types.Group, error) {
	g, err := r.Groups.Get(groupID)
	if err != nil {
		return nil, err
	}
	if !g.IsMember(identityID) {
		return nil, group.ErrNotMember
	}
	return g, nil
}

func (r *Router) allow(identityID string, op Operation) error {
	err := r.Limiter.CheckLimit(identityID, op)
	var le *LimitError
	if errors.As(err, &le) {
		r.Telemetry.RateLimited(string(le.Operation), le.Scope)
	}
	return err
}

// AllowUpload charges the upload budget of identityID. The upload collaborator
// calls it before accepting a file.
func (r *Router) AllowUpload(connectionID string) error {
	return r.do("upload", func() error {
		if _, err := r.identity(connectionID); err != nil {
			return err
		}
		return r.allow(connectionID, OpUpload)
	})
}

type delivery int

const (
	liveOnly delivery = iota
	queueOffline
)

// fanout sends event to every member of g except skip.
func (r *Router) fanout(g *types.Group, event string, payload any, mode delivery, skip string) {
	for _, id := range g.MemberIDs() {
		if id == skip {
			continue
		}
		r.deliver(id, event, payload, mode)
	}
}

func (r *Router) deliver(identityID, event string, payload any, mode delivery) {
	if mode == liveOnly {
		if !r.Sessions.IsOnline(identityID) {
			return
		}
		if err := r.Transport.Emit(identityID, event, payload); err != nil {
			r.log.Debug().Err(err).Str("identity_id", identityID).Str("event", event).Msg("emit failed")
		}
		return
	}

	// Connect marks and clears syncing under syncMu, so deciding to queue
	// here means the flush that drains the queue has not finished yet.
	r.syncMu.Lock()
	if r.syncing[identityID] || !r.Sessions.IsOnline(identityID) {
		r.enqueue(identityID, event, payload)
		r.syncMu.Unlock()
		return
	}
	r.syncMu.Unlock()

	err := r.Transport.Emit(identityID, event, payload)
	if err == nil {
		return
	}
	r.log.Debug().Err(err).Str("identity_id", identityID).Str("event", event).Msg("emit failed, queueing")
	r.syncMu.Lock()
	r.enqueue(identityID, event, payload)
	r.syncMu.Unlock()
}

func (r *Router) enqueue(identityID, event string, payload any) {
	if r.Offline.Enqueue(identityID, event, payload) {
		r.log.Warn().Str("identity_id", identityID).Msg("offline queue full, dropped oldest entry")
	}
}

func (r *Router) actor(id types.Identity) Actor {
	return Actor{ID: id.ConnectionID, Username: id.DisplayName}
}

func (r *Router) actorOf(identityID string) Actor {
	return Actor{ID: identityID, Username: r.Sessions.DisplayName(identityID)}
}

// Connect completes the set-username handshake: it registers the identity,
// replays its offline queue exactly once and refreshes its groups.
func (r *Router) Connect(ctx context.Context, connectionID, rawName string) (res ConnectResult, err error) {
	err = r.do("connect", func() error {
		unlock := r.identityLocks.Lock(connectionID)
		defer unlock()

		r.syncMu.Lock()
		r.syncing[connectionID] = true
		r.syncMu.Unlock()

		id, err := r.Sessions.Register(connectionID, rawName)
		if err != nil {
			r.syncMu.Lock()
			delete(r.syncing, connectionID)
			r.syncMu.Unlock()
			return err
		}
		r.Presence.Touch(connectionID)
		r.flushOffline(connectionID)

		res.Identity = id
		res.Groups = []types.GroupView{}
		for _, gid := range r.Groups.GroupsOf(connectionID) {
			g, err := r.Groups.Get(gid)
			if err != nil {
				continue
			}
			view := r.view(g)
			res.Groups = append(res.Groups, view)
			r.fanout(g, EventGroupUpdated, view, liveOnly, connectionID)
		}
		return nil
	})
	return res, err
}

// flushOffline replays queued events in enqueue order. It keeps flushing
// until the queue is observed empty under syncMu, which is also where
// deliver decides to queue, so nothing can slip in behind the last flush.
func (r *Router) flushOffline(connectionID string) {
	var total offline.FlushResult
	emit := func(event string, payload any) error {
		return r.Transport.Emit(connectionID, event, payload)
	}
	for {
		res := r.Offline.Flush(connectionID, emit)
		total.Delivered += res.Delivered
		total.Failed += res.Failed
		total.Expired += res.Expired

		r.syncMu.Lock()
		if r.Offline.Len(connectionID) == 0 {
			delete(r.syncing, connectionID)
			r.syncMu.Unlock()
			break
		}
		r.syncMu.Unlock()
	}
	if total.Delivered+total.Failed+total.Expired > 0 {
		r.log.Info().Str("identity_id", connectionID).Int("delivered", total.Delivered).
			Int("failed", total.Failed).Int("expired", total.Expired).Msg("offline queue flushed")
	}
	r.Telemetry.OfflineFlushed(total.Delivered, total.Failed+total.Expired)
}

// Disconnect is the single cleanup routine for a departing identity. Timers
// are canceled, rate buckets reset, presence cleared and the identity
// deregistered before group members are told, all under the identity lock.
// Group membership is kept so messages keep queueing for the identity.
func (r *Router) Disconnect(ctx context.Context, connectionID string) error {
	return r.do("disconnect", func() error {
		unlock := r.identityLocks.Lock(connectionID)
		defer unlock()

		if _, ok := r.Sessions.Lookup(connectionID); !ok {
			return nil
		}
		r.Presence.CancelTimers(connectionID)
		r.Limiter.ResetLimits(connectionID)
		r.Presence.Forget(connectionID)
		r.Sessions.Deregister(connectionID)

		for _, gid := range r.Groups.GroupsOf(connectionID) {
			g, err := r.Groups.Get(gid)
			if err != nil {
				continue
			}
			r.fanout(g, EventGroupUpdated, r.view(g), liveOnly, connectionID)
		}
		return nil
	})
}

// SetStatus applies a client-chosen presence (online or away).
func (r *Router) SetStatus(ctx context.Context, connectionID string, status types.PresenceState) error {
	return r.do("set_status", func() error {
		if _, err := r.identity(connectionID); err != nil {
			return err
		}
		return r.Presence.SetStatus(connectionID, status)
	})
}

// TypingStart marks connectionID as typing in groupID.
func (r *Router) TypingStart(ctx context.Context, connectionID, groupID string) error {
	return r.do("typing_start", func() error {
		if _, err := r.identity(connectionID); err != nil {
			return err
		}
		if _, err := r.memberGroup(groupID, connectionID); err != nil {
			return err
		}
		r.Presence.Touch(connectionID)
		r.Presence.TypingStart(groupID, connectionID)
		return nil
	})
}

// TypingStop clears the typing state of connectionID in groupID.
func (r *Router) TypingStop(ctx context.Context, connectionID, groupID string) error {
	return r.do("typing_stop", func() error {
		if _, err := r.identity(connectionID); err != nil {
			return err
		}
		r.Presence.TypingStop(groupID, connectionID)
		return nil
	})
}

// IdentityOnline implements session.Listener.
func (r *Router) IdentityOnline(id types.Identity) {
	r.Transport.Broadcast(EventUserConnected, UserInfo{ID: id.ConnectionID, Username: id.DisplayName, Avatar: id.AvatarRef})
	r.Transport.Broadcast(EventOnlineCount, r.Sessions.OnlineCount())
}

// IdentityOffline implements session.Listener.
func (r *Router) IdentityOffline(id types.Identity) {
	r.Transport.Broadcast(EventUserDisconnected, UserInfo{ID: id.ConnectionID, Username: id.DisplayName, Avatar: id.AvatarRef})
	r.Transport.Broadcast(EventOnlineCount, r.Sessions.OnlineCount())
}

// TypingChanged implements presence.Listener.
func (r *Router) TypingChanged(groupID, triggeredBy string, names []string) {
	g, err := r.Groups.Get(groupID)
	if err != nil {
		return
	}
	r.fanout(g, EventTypingStatus, TypingStatus{GroupID: groupID, Users: names}, liveOnly, triggeredBy)
}

// PresenceChanged implements presence.Listener.
func (r *Router) PresenceChanged(identityID string, _, next types.PresenceState) {
	r.Transport.Broadcast(EventUserStatus, UserStatus{
		ID:       identityID,
		Username: r.Sessions.DisplayName(identityID),
		Status:   next,
	})
}

// Stats returns a snapshot of engine state.
func (r *Router) Stats() Stats {
	cs := r.Cache.Stats()
	return Stats{
		OnlineUsers:       r.Sessions.OnlineCount(),
		Groups:            r.Groups.Count(),
		CachedMessages:    cs.Entries,
		CacheHits:         cs.Hits,
		CacheMisses:       cs.Misses,
		CacheEvictions:    cs.Evictions,
		OfflineRecipients: r.Offline.Recipients(),
		RateLimited:       r.Limiter.TrackedIdentities(),
		PendingTimers:     r.Scheduler.Len(),
	}
}

// Sweep is the periodic maintenance pass: idle rate buckets, expired
// tombstones and expired offline entries are dropped.
func (r *Router) Sweep(bucketIdle time.Duration) SweepResult {
	res := SweepResult{
		IdleBuckets:    r.Limiter.Cleanup(bucketIdle),
		Tombstones:     r.Sessions.PruneTombstones(),
		ExpiredOffline: r.Offline.Purge(),
	}
	if res.IdleBuckets+res.Tombstones+res.ExpiredOffline > 0 {
		r.log.Debug().Int("idle_buckets", res.IdleBuckets).Int("tombstones", res.Tombstones).
			Int("expired_offline", res.ExpiredOffline).Msg("maintenance sweep")
	}
	return res
}
