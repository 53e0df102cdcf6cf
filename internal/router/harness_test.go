package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"huddle/internal/cache"
	"huddle/internal/clock"
	"huddle/internal/database"
	"huddle/internal/envelope"
	"huddle/internal/group"
	"huddle/internal/offline"
	"huddle/internal/presence"
	"huddle/internal/sanitize"
	"huddle/internal/scheduler"
	"huddle/internal/session"
	"huddle/internal/telemetry"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

type sentEvent struct {
	to      string
	event   string
	payload any
}

// fakeTransport records what the router emits. Only connections marked
// connected accept Emit.
type fakeTransport struct {
	mu         sync.Mutex
	connected  map[string]bool
	events     []sentEvent
	broadcasts []sentEvent
	panicOn    string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: map[string]bool{}}
}

func (f *fakeTransport) Emit(id, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event == f.panicOn {
		panic("transport exploded on " + event)
	}
	if !f.connected[id] {
		return interfaces.ErrNotConnected
	}
	f.events = append(f.events, sentEvent{to: id, event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Broadcast(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sentEvent{event: event, payload: payload})
}

func (f *fakeTransport) setConnected(id string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[id] = on
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
	f.broadcasts = nil
}

func (f *fakeTransport) broadcasted(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.broadcasts {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeTransport) received(id, event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.events {
		if e.to == id && e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// escalationRecorder counts escalations on top of the no-op telemetry.
type escalationRecorder struct {
	telemetry.Nop
	mu  sync.Mutex
	ops []string
}

func (e *escalationRecorder) Escalate(op string, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, op)
}

func (e *escalationRecorder) escalated() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clock.Fake
	store     *database.MemoryStore
	transport *fakeTransport
	telemetry *escalationRecorder
	router    *Router
}

type harnessOption func(*Deps, *Config)

func withLimits(l map[Operation]Limits) harnessOption {
	return func(d *Deps, _ *Config) { d.Limiter = NewRateLimiter(l, d.Clock) }
}

// withStore swaps the durable store under both the router and the group manager.
func withStore(s interfaces.DurableStore) harnessOption {
	return func(d *Deps, _ *Config) {
		d.Store = s
		d.Groups = group.NewManager(s, d.Telemetry, d.Clock, d.Sanitizer)
	}
}

func withCacheCapacity(n int) harnessOption {
	return func(d *Deps, _ *Config) { d.Cache = cache.New(n, d.Telemetry) }
}

func withoutSystemMessages() harnessOption {
	return func(_ *Deps, c *Config) { c.SystemMessages = false }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	fc := clock.NewFake(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	store := database.NewMemoryStore()
	tr := newFakeTransport()
	tel := &escalationRecorder{}
	san := sanitize.New()
	sched := scheduler.New(fc)
	sessions := session.NewRegistry(fc, san, session.Options{Admins: []string{"root"}})

	d := Deps{
		Sessions:  sessions,
		Groups:    group.NewManager(store, tel, fc, san),
		Cache:     cache.New(cache.DefaultGroupCapacity, tel),
		Limiter:   NewRateLimiter(generousLimits(), fc),
		Offline:   offline.New(fc, offline.DefaultTTL, offline.DefaultMaxPerRecipient),
		Presence:  presence.New(presence.Config{}, sched, sessions, nil),
		Scheduler: sched,
		Codec:     envelope.NewCodec(envelope.WithIterations(1000)),
		Sanitizer: san,
		Store:     store,
		Transport: tr,
		Telemetry: tel,
		Clock:     fc,
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&d, &cfg)
	}
	t.Cleanup(sched.Stop)

	return &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     fc,
		store:     store,
		transport: tr,
		telemetry: tel,
		router:    New(d, cfg),
	}
}

func generousLimits() map[Operation]Limits {
	wide := Budget{Tokens: 1000, Interval: time.Second}
	return map[Operation]Limits{
		OpMessage:  {Global: wide, PerIdentity: wide},
		OpUpload:   {Global: wide, PerIdentity: wide},
		OpReaction: {Global: wide},
		OpSearch:   {Global: wide},
	}
}

func (h *harness) connect(id, name string) ConnectResult {
	h.t.Helper()
	h.transport.setConnected(id, true)
	res, err := h.router.Connect(h.ctx, id, name)
	require.NoError(h.t, err)
	return res
}

func (h *harness) disconnect(id string) {
	h.t.Helper()
	h.transport.setConnected(id, false)
	require.NoError(h.t, h.router.Disconnect(h.ctx, id))
}

func (h *harness) createGroup(owner, name string, patch types.GroupSettingsPatch) types.GroupView {
	h.t.Helper()
	v, err := h.router.CreateGroup(h.ctx, owner, types.CreateGroupRequest{Name: name, Settings: patch})
	require.NoError(h.t, err)
	return v
}

func (h *harness) join(id string, g types.GroupView) JoinResult {
	h.t.Helper()
	res, err := h.router.JoinGroup(h.ctx, id, types.JoinGroupRequest{GroupID: g.ID, InviteCode: g.InviteCode})
	require.NoError(h.t, err)
	return res
}

func (h *harness) send(id, groupID, text string) *types.Message {
	h.t.Helper()
	m, err := h.router.Send(h.ctx, id, types.SendMessageRequest{GroupID: groupID, Text: text})
	require.NoError(h.t, err)
	h.clock.Advance(time.Millisecond)
	return m
}

// room connects alice (owner) and bob (member) to a fresh group.
func (h *harness) room(patch types.GroupSettingsPatch) types.GroupView {
	h.t.Helper()
	h.connect("alice", "Alice")
	h.connect("bob", "Bob")
	g := h.createGroup("alice", "team", patch)
	h.join("bob", g)
	return g
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }
