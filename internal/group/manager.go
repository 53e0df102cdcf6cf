// Package group is the in-memory directory of groups, backed by the durable store.
package group

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"huddle/internal/clock"
	"huddle/internal/envelope"
	"huddle/internal/logging"
	"huddle/internal/sanitize"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

const (
	RoleMember    = "member"
	RoleModerator = "moderator"
)

// IsAdminOrModerator reports whether actor may moderate g: the owner, a
// group moderator, or a global admin.
func IsAdminOrModerator(actor types.Identity, g *types.Group) bool {
	return actor.Role == types.RoleAdmin || g.IsModerator(actor.ConnectionID)
}

// Manager owns every group known to this process.
// ARCHITECTURAL DISCOVERY: memory is authoritative inside the process; writes
// to the store are best effort and a failure is logged and escalated rather
// than undoing the in-memory change.
type Manager struct {
	store     interfaces.DurableStore
	telemetry interfaces.Telemetry
	clock     clock.Clock
	sanitizer *sanitize.Sanitizer
	log       zerolog.Logger

	mu     sync.RWMutex
	groups map[string]*types.Group

	// persistMu orders store writes so the last snapshot written is the newest.
	persistMu sync.Mutex
}

// NewManager creates a group directory. store and telemetry may be nil.
func NewManager(store interfaces.DurableStore, telemetry interfaces.Telemetry, c clock.Clock, s *sanitize.Sanitizer) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	if s == nil {
		s = sanitize.New()
	}
	return &Manager{
		store:     store,
		telemetry: telemetry,
		clock:     c,
		sanitizer: s,
		log:       logging.Component("group"),
		groups:    make(map[string]*types.Group),
	}
}

// Load warms the directory from the store.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	groups, err := m.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range groups {
		m.groups[g.ID] = g
	}
	m.log.Info().Int("groups", len(groups)).Msg("loaded groups")
	return nil
}

// Create makes a group owned by ownerID.
func (m *Manager) Create(ctx context.Context, ownerID, rawName string, patch types.GroupSettingsPatch) (*types.Group, error) {
	name := m.sanitizer.Plain(rawName)
	if name == "" || utf8.RuneCountInString(name) > types.MaxGroupNameLength {
		return nil, ErrInvalidGroupName
	}
	settings := patch.Apply(types.DefaultGroupSettings())
	if settings.MaxMembers < 2 {
		return nil, ErrInvalidMaxMembers
	}

	code, err := types.NewInviteCode()
	if err != nil {
		return nil, err
	}
	var key string
	if settings.EncryptionEnabled {
		if key, err = envelope.GenerateSecret(); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	g := &types.Group{
		ID:            uuid.New().String(),
		Name:          name,
		OwnerID:       ownerID,
		Moderators:    map[string]bool{},
		Members:       map[string]time.Time{ownerID: now},
		InviteCode:    code,
		Settings:      settings,
		EncryptionKey: key,
		CreatedAt:     now,
		LastActivity:  now,
	}

	m.mu.Lock()
	m.groups[g.ID] = g
	out := g.Clone()
	m.mu.Unlock()

	m.log.Info().Str("group_id", g.ID).Str("owner_id", ownerID).Bool("encrypted", settings.EncryptionEnabled).Msg("group created")
	m.persist(ctx, g.ID)
	return out, nil
}

// Get returns a copy of the group.
func (m *Manager) Get(groupID string) (*types.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g.Clone(), nil
}

// Join adds identityID to a group. invite may be a bare code (with groupID
// set) or a "groupId:inviteCode" link. Joining twice is not an error; joined
// reports whether membership changed.
func (m *Manager) Join(ctx context.Context, identityID, groupID, invite string) (g *types.Group, joined bool, err error) {
	code := strings.ToUpper(strings.TrimSpace(invite))
	if linkGroup, linkCode, ok := types.ParseInviteLink(invite); ok {
		if groupID != "" && groupID != linkGroup {
			return nil, false, ErrInvalidInvite
		}
		groupID, code = linkGroup, linkCode
	}
	if groupID == "" || !types.IsValidInviteCode(code) {
		return nil, false, ErrInvalidInvite
	}

	m.mu.Lock()
	cur, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, false, ErrGroupNotFound
	}
	if cur.InviteCode != code {
		m.mu.Unlock()
		return nil, false, ErrInvalidInvite
	}
	if cur.IsMember(identityID) {
		out := cur.Clone()
		m.mu.Unlock()
		return out, false, nil
	}
	if len(cur.Members) >= cur.Settings.MaxMembers {
		m.mu.Unlock()
		return nil, false, ErrGroupFull
	}
	now := m.clock.Now()
	cur.Members[identityID] = now
	cur.LastActivity = now
	out := cur.Clone()
	m.mu.Unlock()

	m.log.Debug().Str("group_id", groupID).Str("identity_id", identityID).Msg("member joined")
	m.persist(ctx, groupID)
	return out, true, nil
}

// Leave removes identityID. When the owner leaves, ownership passes to the
// longest-standing moderator, else the longest-standing member; newOwner is
// empty when ownership did not change.
func (m *Manager) Leave(ctx context.Context, identityID, groupID string) (g *types.Group, newOwner string, err error) {
	m.mu.Lock()
	cur, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, "", ErrGroupNotFound
	}
	if !cur.IsMember(identityID) {
		m.mu.Unlock()
		return nil, "", ErrNotMember
	}
	if cur.OwnerID == identityID {
		if len(cur.Members) == 1 {
			m.mu.Unlock()
			return nil, "", ErrOwnerLastMember
		}
		newOwner = successor(cur, identityID)
		cur.OwnerID = newOwner
		delete(cur.Moderators, newOwner)
	}
	delete(cur.Members, identityID)
	delete(cur.Moderators, identityID)
	cur.LastActivity = m.clock.Now()
	out := cur.Clone()
	m.mu.Unlock()

	m.log.Debug().Str("group_id", groupID).Str("identity_id", identityID).Str("new_owner", newOwner).Msg("member left")
	m.persist(ctx, groupID)
	return out, newOwner, nil
}

func successor(g *types.Group, leaving string) string {
	for _, id := range g.ModeratorIDs() {
		if id != leaving {
			return id
		}
	}
	for _, id := range g.MemberIDs() {
		if id != leaving {
			return id
		}
	}
	return ""
}

// SetRole promotes a member to moderator or demotes back. Only the owner (or a
// global admin) may change roles, and the owner's own role is fixed.
func (m *Manager) SetRole(ctx context.Context, actor types.Identity, groupID, memberID, role string) (*types.Group, error) {
	if role != RoleMember && role != RoleModerator {
		return nil, ErrInvalidRole
	}
	m.mu.Lock()
	cur, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrGroupNotFound
	}
	if cur.OwnerID != actor.ConnectionID && actor.Role != types.RoleAdmin {
		m.mu.Unlock()
		return nil, ErrNotPermitted
	}
	if !cur.IsMember(memberID) {
		m.mu.Unlock()
		return nil, ErrNotMember
	}
	if memberID == cur.OwnerID {
		m.mu.Unlock()
		return nil, ErrNotPermitted
	}
	if role == RoleModerator {
		cur.Moderators[memberID] = true
	} else {
		delete(cur.Moderators, memberID)
	}
	out := cur.Clone()
	m.mu.Unlock()

	m.persist(ctx, groupID)
	return out, nil
}

// UpdateSettings applies patch on behalf of an owner, moderator or admin.
// Enabling encryption mints the group secret. Disabling it is refused so
// stored envelopes stay readable.
func (m *Manager) UpdateSettings(ctx context.Context, actor types.Identity, groupID string, patch types.GroupSettingsPatch) (*types.Group, error) {
	m.mu.Lock()
	cur, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrGroupNotFound
	}
	if !IsAdminOrModerator(actor, cur) {
		m.mu.Unlock()
		return nil, ErrNotPermitted
	}
	next := patch.Apply(cur.Settings)
	if next.MaxMembers < 2 {
		m.mu.Unlock()
		return nil, ErrInvalidMaxMembers
	}
	if next.MaxMembers < len(cur.Members) {
		m.mu.Unlock()
		return nil, ErrMaxBelowMembers
	}
	if cur.Settings.EncryptionEnabled && !next.EncryptionEnabled {
		m.mu.Unlock()
		return nil, ErrEncryptionLocked
	}
	if next.EncryptionEnabled && cur.EncryptionKey == "" {
		key, err := envelope.GenerateSecret()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		cur.EncryptionKey = key
	}
	cur.Settings = next
	out := cur.Clone()
	m.mu.Unlock()

	m.log.Info().Str("group_id", groupID).Str("actor_id", actor.ConnectionID).Msg("group settings changed")
	m.persist(ctx, groupID)
	return out, nil
}

// RemoveMember expels memberID. The owner cannot be removed, and only the
// owner or an admin may remove a moderator.
func (m *Manager) RemoveMember(ctx context.Context, actor types.Identity, groupID, memberID string) (*types.Group, error) {
	m.mu.Lock()
	cur, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrGroupNotFound
	}
	if !IsAdminOrModerator(actor, cur) {
		m.mu.Unlock()
		return nil, ErrNotPermitted
	}
	if !cur.IsMember(memberID) {
		m.mu.Unlock()
		return nil, ErrNotMember
	}
	ownerOrAdmin := cur.OwnerID == actor.ConnectionID || actor.Role == types.RoleAdmin
	if memberID == cur.OwnerID || (cur.Moderators[memberID] && !ownerOrAdmin) {
		m.mu.Unlock()
		return nil, ErrNotPermitted
	}
	delete(cur.Members, memberID)
	delete(cur.Moderators, memberID)
	out := cur.Clone()
	m.mu.Unlock()

	m.log.Info().Str("group_id", groupID).Str("member_id", memberID).Str("actor_id", actor.ConnectionID).Msg("member removed")
	m.persist(ctx, groupID)
	return out, nil
}

// TouchActivity records traffic on the group. It is not persisted.
func (m *Manager) TouchActivity(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		g.LastActivity = m.clock.Now()
	}
}

// GroupsOf returns the ids of every group identityID belongs to.
func (m *Manager) GroupsOf(identityID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, g := range m.groups {
		if g.IsMember(identityID) {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of groups.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

func (m *Manager) persist(ctx context.Context, groupID string) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	g, ok := m.groups[groupID]
	var snapshot *types.Group
	if ok {
		snapshot = g.Clone()
	}
	m.mu.RUnlock()
	if snapshot == nil {
		return
	}

	if err := m.store.SaveGroup(ctx, snapshot); err != nil {
		m.log.Error().Err(err).Str("group_id", groupID).Msg("failed to persist group")
		if m.telemetry != nil {
			m.telemetry.Escalate("group.persist", err)
		}
	}
}
