// Package presence tracks typing indicators, read receipts and away/online
// transitions. Every expiry runs through the shared scheduler.
package presence

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"huddle/internal/logging"
	"huddle/internal/scheduler"
	"huddle/pkg/types"
)

const (
	DefaultTypingTimeout = 3000 * time.Millisecond
	DefaultAwayAfter     = 5 * time.Minute
	DefaultReadRetention = 24 * time.Hour
)

// Directory is the slice of the session registry the tracker needs.
type Directory interface {
	DisplayName(connectionID string) string
	Touch(connectionID string) (types.PresenceState, error)
	SetPresence(connectionID string, state types.PresenceState) (types.PresenceState, error)
}

// Listener receives state changes. Calls happen without tracker locks held.
type Listener interface {
	// TypingChanged carries the display names currently typing in groupID.
	// triggeredBy is the identity whose transition caused the change and is
	// excluded from the recipients.
	TypingChanged(groupID, triggeredBy string, names []string)
	PresenceChanged(identityID string, prev, next types.PresenceState)
}

// Config holds the tracker timeouts. Zero values take the defaults.
type Config struct {
	TypingTimeout time.Duration
	AwayAfter     time.Duration
	ReadRetention time.Duration
}

type typist struct {
	id      string
	started uint64
}

// typingState is one identity typing in one group. started orders the
// typists; armed is bumped on every start and identifies the live timer.
type typingState struct {
	started uint64
	armed   uint64
}

// Tracker aggregates per-group typing state, per-message readers and presence.
type Tracker struct {
	cfg      Config
	sched    *scheduler.Scheduler
	dir      Directory
	listener Listener
	log      zerolog.Logger

	mu     sync.Mutex
	seq    uint64
	typing map[string]map[string]*typingState // group -> identity
	reads  map[string][]string          // message -> readers in read order
}

// New builds a tracker. listener may be nil.
func New(cfg Config, sched *scheduler.Scheduler, dir Directory, listener Listener) *Tracker {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.AwayAfter <= 0 {
		cfg.AwayAfter = DefaultAwayAfter
	}
	if cfg.ReadRetention <= 0 {
		cfg.ReadRetention = DefaultReadRetention
	}
	return &Tracker{
		cfg:      cfg,
		sched:    sched,
		dir:      dir,
		listener: listener,
		log:      logging.Component("presence"),
		typing:   make(map[string]map[string]*typingState),
		reads:    make(map[string][]string),
	}
}

// SetListener installs the listener. Not safe to call concurrently with other methods.
func (t *Tracker) SetListener(l Listener) { t.listener = l }

func ownedPrefix(identityID string) string { return "id:" + identityID + "/" }

func typingKey(identityID, groupID string) string {
	return ownedPrefix(identityID) + "typing/" + groupID
}

func awayKey(identityID string) string { return ownedPrefix(identityID) + "away" }

func readsKey(messageID string) string { return "reads/" + messageID }

// TypingStart moves identityID to Typing in groupID and (re)arms the expiry
// timer. A repeated start only resets the timer. It reports whether the
// typing set changed.
// FUNCTIONAL DISCOVERY: the timer is armed under mu and only expires the
// start that armed it, so a timer that already fired cannot clear a typist
// refreshed after it.
func (t *Tracker) TypingStart(groupID, identityID string) bool {
	t.mu.Lock()
	set, ok := t.typing[groupID]
	if !ok {
		set = make(map[string]*typingState)
		t.typing[groupID] = set
	}
	t.seq++
	st, already := set[identityID]
	if !already {
		st = &typingState{started: t.seq}
		set[identityID] = st
	}
	st.armed = t.seq
	armed := st.armed
	t.sched.Schedule(typingKey(identityID, groupID), t.cfg.TypingTimeout, func() {
		t.expire(groupID, identityID, armed)
	})
	var names []string
	if !already {
		names = t.namesLocked(groupID)
	}
	t.mu.Unlock()

	if !already {
		t.notifyTyping(groupID, identityID, names)
	}
	return !already
}

// TypingStop moves identityID back to Idle. It reports whether it was typing.
func (t *Tracker) TypingStop(groupID, identityID string) bool {
	t.sched.Cancel(typingKey(identityID, groupID))
	t.mu.Lock()
	if _, ok := t.typing[groupID][identityID]; !ok {
		t.mu.Unlock()
		return false
	}
	names := t.removeLocked(groupID, identityID)
	t.mu.Unlock()

	t.notifyTyping(groupID, identityID, names)
	return true
}

func (t *Tracker) expire(groupID, identityID string, armed uint64) {
	t.mu.Lock()
	st, ok := t.typing[groupID][identityID]
	if !ok || st.armed != armed {
		t.mu.Unlock()
		return
	}
	names := t.removeLocked(groupID, identityID)
	t.mu.Unlock()

	t.notifyTyping(groupID, identityID, names)
}

// removeLocked drops identityID from groupID and returns who is still typing.
func (t *Tracker) removeLocked(groupID, identityID string) []string {
	set := t.typing[groupID]
	delete(set, identityID)
	if len(set) == 0 {
		delete(t.typing, groupID)
	}
	return t.namesLocked(groupID)
}

// Typing returns the display names currently typing in groupID, oldest first.
func (t *Tracker) Typing(groupID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.namesLocked(groupID)
}

func (t *Tracker) namesLocked(groupID string) []string {
	set := t.typing[groupID]
	typists := make([]typist, 0, len(set))
	for id, st := range set {
		typists = append(typists, typist{id: id, started: st.started})
	}
	slices.SortFunc(typists, func(a, b typist) int {
		switch {
		case a.started < b.started:
			return -1
		case a.started > b.started:
			return 1
		}
		return 0
	})
	names := make([]string, len(typists))
	for i, ty := range typists {
		names[i] = t.dir.DisplayName(ty.id)
	}
	return names
}

func (t *Tracker) notifyTyping(groupID, identityID string, names []string) {
	if t.listener != nil {
		t.listener.TypingChanged(groupID, identityID, names)
	}
}

// MarkRead adds identityID to the readers of messageID. persisted seeds the
// reader list the first time the message is seen. The reader set only grows;
// added is false when identityID had already read it.
func (t *Tracker) MarkRead(messageID, identityID string, persisted []string) (readers []string, added bool) {
	t.mu.Lock()
	cur, ok := t.reads[messageID]
	if !ok {
		cur = append([]string(nil), persisted...)
	}
	if !slices.Contains(cur, identityID) {
		cur = append(cur, identityID)
		added = true
	}
	t.reads[messageID] = cur
	readers = slices.Clone(cur)
	t.mu.Unlock()

	t.sched.Schedule(readsKey(messageID), t.cfg.ReadRetention, func() {
		t.mu.Lock()
		delete(t.reads, messageID)
		t.mu.Unlock()
	})
	return readers, added
}

// ForgetMessage drops read tracking for a deleted message.
func (t *Tracker) ForgetMessage(messageID string) {
	t.sched.Cancel(readsKey(messageID))
	t.mu.Lock()
	delete(t.reads, messageID)
	t.mu.Unlock()
}

// TrackedReads returns how many messages have live read state.
func (t *Tracker) TrackedReads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reads)
}

// Touch records activity. An away identity comes back online and the away
// timer is re-armed.
func (t *Tracker) Touch(identityID string) {
	prev, err := t.dir.Touch(identityID)
	if err != nil {
		return
	}
	if prev == types.PresenceAway {
		t.transition(identityID, types.PresenceOnline)
	}
	t.armAway(identityID)
}

// SetStatus applies a client-requested presence. Only online and away are accepted.
func (t *Tracker) SetStatus(identityID string, status types.PresenceState) error {
	if !types.IsValidStatus(status) {
		return types.NewError(types.KindInvalidInput, "status must be online or away")
	}
	prev, err := t.dir.SetPresence(identityID, status)
	if err != nil {
		return err
	}
	if prev != status {
		t.notifyPresence(identityID, prev, status)
	}
	if status == types.PresenceOnline {
		t.armAway(identityID)
	} else {
		t.sched.Cancel(awayKey(identityID))
	}
	return nil
}

func (t *Tracker) armAway(identityID string) {
	t.sched.Schedule(awayKey(identityID), t.cfg.AwayAfter, func() {
		t.transition(identityID, types.PresenceAway)
	})
}

func (t *Tracker) transition(identityID string, next types.PresenceState) {
	prev, err := t.dir.SetPresence(identityID, next)
	if err != nil {
		return
	}
	if prev != next {
		t.log.Debug().Str("identity_id", identityID).Str("from", string(prev)).Str("to", string(next)).Msg("presence changed")
		t.notifyPresence(identityID, prev, next)
	}
}

func (t *Tracker) notifyPresence(identityID string, prev, next types.PresenceState) {
	if t.listener != nil {
		t.listener.PresenceChanged(identityID, prev, next)
	}
}

// CancelTimers stops every timer owned by identityID and returns how many were pending.
func (t *Tracker) CancelTimers(identityID string) int {
	return t.sched.CancelPrefix(ownedPrefix(identityID))
}

// Forget cancels every timer owned by identityID and clears its typing state,
// notifying each affected group. Used as part of disconnect cleanup.
func (t *Tracker) Forget(identityID string) {
	t.CancelTimers(identityID)

	type change struct {
		group string
		names []string
	}
	var changes []change
	t.mu.Lock()
	for groupID, set := range t.typing {
		if _, ok := set[identityID]; !ok {
			continue
		}
		changes = append(changes, change{group: groupID, names: t.removeLocked(groupID, identityID)})
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.notifyTyping(c.group, identityID, c.names)
	}
}
