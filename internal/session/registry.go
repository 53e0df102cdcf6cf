package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"huddle/internal/clock"
	"huddle/internal/logging"
	"huddle/internal/sanitize"
	"huddle/pkg/types"
)

// DefaultTombstoneTTL keeps a departed identity's name resolvable for as long
// as its offline-queue entries can still be delivered.
const DefaultTombstoneTTL = 24 * time.Hour

// Listener is told about identities coming and going. Calls happen after the
// registry lock is released.
type Listener interface {
	IdentityOnline(id types.Identity)
	IdentityOffline(id types.Identity)
}

type tombstone struct {
	identity  types.Identity
	removedAt time.Time
}

// Registry maps connection ids to identities and is the identity source of
// truth for the layers above.
// ARCHITECTURAL DISCOVERY: deregistered identities are soft-deleted into
// tombstones so messages queued for them still carry the right sender names.
type Registry struct {
	clock     clock.Clock
	sanitizer *sanitize.Sanitizer
	admins    map[string]bool
	ttl       time.Duration
	log       zerolog.Logger

	mu         sync.RWMutex
	live       map[string]*types.Identity
	tombstones map[string]tombstone
	listener   Listener
}

// Options configure a Registry.
type Options struct {
	// Admins lists connection ids granted the global admin role.
	Admins       []string
	TombstoneTTL time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(c clock.Clock, s *sanitize.Sanitizer, opts Options) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	if s == nil {
		s = sanitize.New()
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	admins := make(map[string]bool, len(opts.Admins))
	for _, id := range opts.Admins {
		admins[id] = true
	}
	return &Registry{
		clock:      c,
		sanitizer:  s,
		admins:     admins,
		ttl:        opts.TombstoneTTL,
		log:        logging.Component("session"),
		live:       make(map[string]*types.Identity),
		tombstones: make(map[string]tombstone),
	}
}

// SetListener installs the presence listener. Not safe to call concurrently with Register.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// CleanName trims and strips markup from a display name and enforces its bounds.
func (r *Registry) CleanName(raw string) (string, error) {
	name := r.sanitizer.Plain(raw)
	if name == "" {
		return "", ErrInvalidName
	}
	if utf8.RuneCountInString(name) > types.MaxDisplayNameLength {
		return "", ErrNameTooLong
	}
	return name, nil
}

// Register creates or replaces the identity of connectionID. A repeated
// handshake on the same connection overwrites the name (last write wins).
func (r *Registry) Register(connectionID, rawName string) (types.Identity, error) {
	name, err := r.CleanName(rawName)
	if err != nil {
		return types.Identity{}, err
	}

	now := r.clock.Now()
	role := types.RoleUser
	if r.admins[connectionID] {
		role = types.RoleAdmin
	}

	r.mu.Lock()
	id := &types.Identity{
		ConnectionID: connectionID,
		DisplayName:  name,
		AvatarRef:    AvatarRef(name),
		Role:         role,
		Presence:     types.PresenceOnline,
		LastActivity: now,
	}
	r.live[connectionID] = id
	delete(r.tombstones, connectionID)
	snapshot := *id
	listener := r.listener
	r.mu.Unlock()

	r.log.Info().Str("connection_id", connectionID).Str("name", name).Msg("identity registered")
	if listener != nil {
		listener.IdentityOnline(snapshot)
	}
	return snapshot, nil
}

// Lookup returns the live identity of connectionID.
func (r *Registry) Lookup(connectionID string) (types.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.live[connectionID]
	if !ok {
		return types.Identity{}, false
	}
	return *id, true
}

// Deregister removes the live identity and keeps a tombstone. ok is false
// when the connection had no identity.
func (r *Registry) Deregister(connectionID string) (types.Identity, bool) {
	r.mu.Lock()
	id, ok := r.live[connectionID]
	if !ok {
		r.mu.Unlock()
		return types.Identity{}, false
	}
	delete(r.live, connectionID)
	id.Presence = types.PresenceOffline
	snapshot := *id
	r.tombstones[connectionID] = tombstone{identity: snapshot, removedAt: r.clock.Now()}
	listener := r.listener
	r.mu.Unlock()

	r.log.Info().Str("connection_id", connectionID).Msg("identity deregistered")
	if listener != nil {
		listener.IdentityOffline(snapshot)
	}
	return snapshot, true
}

// IsOnline reports whether connectionID has a live identity.
func (r *Registry) IsOnline(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[connectionID]
	return ok
}

// Resolve returns the identity for connectionID whether live or recently
// departed. Presence is offline for departed identities.
func (r *Registry) Resolve(connectionID string) (types.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.live[connectionID]; ok {
		return *id, true
	}
	if t, ok := r.tombstones[connectionID]; ok {
		return t.identity, true
	}
	return types.Identity{}, false
}

// DisplayName resolves a name, falling back to the id itself.
func (r *Registry) DisplayName(connectionID string) string {
	if id, ok := r.Resolve(connectionID); ok {
		return id.DisplayName
	}
	return connectionID
}

// SetPresence changes the presence of a live identity and returns the
// previous state.
func (r *Registry) SetPresence(connectionID string, state types.PresenceState) (types.PresenceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.live[connectionID]
	if !ok {
		return "", ErrNotRegistered
	}
	prev := id.Presence
	id.Presence = state
	return prev, nil
}

// Touch records activity and returns the presence the identity had before.
func (r *Registry) Touch(connectionID string) (types.PresenceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.live[connectionID]
	if !ok {
		return "", ErrNotRegistered
	}
	id.LastActivity = r.clock.Now()
	return id.Presence, nil
}

// OnlineCount returns the number of live identities.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Online returns a snapshot of every live identity.
func (r *Registry) Online() []types.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Identity, 0, len(r.live))
	for _, id := range r.live {
		out = append(out, *id)
	}
	return out
}

// PruneTombstones forgets departed identities older than the TTL and returns how many were dropped.
func (r *Registry) PruneTombstones() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	n := 0
	for id, t := range r.tombstones {
		if now.Sub(t.removedAt) > r.ttl {
			delete(r.tombstones, id)
			n++
		}
	}
	return n
}

// AvatarRef derives a stable identicon reference from a display name.
func AvatarRef(name string) string {
	return fmt.Sprintf("identicon:%016x", xxhash.Sum64String(strings.ToLower(name)))
}
