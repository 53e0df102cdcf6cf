package types

import (
	"time"
)

// Role is the global role carried by an identity.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// PresenceState is the coarse availability shown to other members.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceAway    PresenceState = "away"
	PresenceOffline PresenceState = "offline"
)

// SystemSenderID marks messages generated by the server (welcome, join, leave notices).
const SystemSenderID = "system"

// Identity is one live connection after a successful set-username handshake.
// FUNCTIONAL DISCOVERY: ConnectionID is stable across reconnects of the same
// client, so group membership and offline queues are keyed by it.
type Identity struct {
	ConnectionID string        `json:"id"`
	DisplayName  string        `json:"username"`
	AvatarRef    string        `json:"avatar"`
	Role         Role          `json:"role"`
	Presence     PresenceState `json:"status"`
	LastActivity time.Time     `json:"lastActivity"`
}

// GroupSettings are the owner/moderator adjustable knobs of a group.
type GroupSettings struct {
	MaxMembers        int  `json:"maxMembers"`
	IsPrivate         bool `json:"isPrivate"`
	AllowAttachments  bool `json:"allowAttachments"`
	EncryptionEnabled bool `json:"messageEncryption"`
}

// Group is a room of identities sharing one message stream.
// ARCHITECTURAL DISCOVERY: Members maps identity to join time so ownership
// can pass to the longest-standing member without a separate ordered list.
type Group struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	OwnerID       string               `json:"ownerId"`
	Moderators    map[string]bool      `json:"-"`
	Members       map[string]time.Time `json:"-"`
	InviteCode    string               `json:"inviteCode"`
	Settings      GroupSettings        `json:"settings"`
	EncryptionKey string               `json:"-"`
	CreatedAt     time.Time            `json:"createdAt"`
	LastActivity  time.Time            `json:"lastActivity"`
}

// IsMember reports whether id belongs to the group.
func (g *Group) IsMember(id string) bool {
	_, ok := g.Members[id]
	return ok
}

// IsModerator reports whether id is the owner or a group moderator.
func (g *Group) IsModerator(id string) bool {
	return g.OwnerID == id || g.Moderators[id]
}

// MemberIDs returns member ids ordered by join time, oldest first.
func (g *Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	sortByJoin(ids, g.Members)
	return ids
}

// ModeratorIDs returns the moderator set as a slice in join order.
func (g *Group) ModeratorIDs() []string {
	ids := make([]string, 0, len(g.Moderators))
	for id := range g.Moderators {
		ids = append(ids, id)
	}
	sortByJoin(ids, g.Members)
	return ids
}

// Clone returns a deep copy safe to hand out of a lock.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Moderators = make(map[string]bool, len(g.Moderators))
	for id := range g.Moderators {
		c.Moderators[id] = true
	}
	c.Members = make(map[string]time.Time, len(g.Members))
	for id, at := range g.Members {
		c.Members[id] = at
	}
	return &c
}

// MemberView is a member as rendered to clients.
type MemberView struct {
	ID       string        `json:"id"`
	Username string        `json:"username"`
	Avatar   string        `json:"avatar,omitempty"`
	Status   PresenceState `json:"status"`
	Role     string        `json:"role"`
}

// GroupView is the client-facing projection of a group. The encryption key never leaves the server.
type GroupView struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	OwnerID    string        `json:"ownerId"`
	InviteCode string        `json:"inviteCode"`
	InviteLink string        `json:"inviteLink"`
	Moderators []string      `json:"moderators"`
	Members    []MemberView  `json:"members"`
	Settings   GroupSettings `json:"settings"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Attachment is a reference to an already uploaded file.
type Attachment struct {
	URL          string `json:"url" validate:"required,max=2048"`
	Kind         string `json:"type" validate:"required,oneof=image file"`
	SizeBytes    int64  `json:"size" validate:"gte=0"`
	OriginalName string `json:"originalName" validate:"max=255"`
}

// EditEntry records the text a message carried before an edit.
type EditEntry struct {
	PriorText string    `json:"text"`
	EditedAt  time.Time `json:"editedAt"`
}

// ReplyRef quotes the message a reply answers. Text is a snapshot taken when
// the reply was sent and follows the reply's stored form.
type ReplyRef struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	SenderName string    `json:"username"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Message is a chat message. Text holds ciphertext while IsEncrypted is set
// and the message is in its stored form.
type Message struct {
	ID           string              `json:"id"`
	GroupID      string              `json:"groupId"`
	SenderID     string              `json:"senderId"`
	SenderName   string              `json:"username"`
	SenderAvatar string              `json:"avatar,omitempty"`
	Text         string              `json:"text"`
	IsEncrypted  bool                `json:"isEncrypted"`
	IsSystem     bool                `json:"isSystem,omitempty"`
	CreatedAt    time.Time           `json:"timestamp"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	Reactions    map[string][]string `json:"reactions"`
	ReadBy       []string            `json:"readBy"`
	EditHistory  []EditEntry         `json:"editHistory,omitempty"`
	EditedAt     *time.Time          `json:"editedAt,omitempty"`
	Pinned       bool                `json:"pinned"`
	PinnedBy     string              `json:"pinnedBy,omitempty"`
	PinnedAt     *time.Time          `json:"pinnedAt,omitempty"`
	ReplyTo      *ReplyRef           `json:"replyTo,omitempty"`
}

// Clone returns a deep copy. Cached and stored messages are never shared by pointer with callers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	c.Reactions = make(map[string][]string, len(m.Reactions))
	for emoji, ids := range m.Reactions {
		c.Reactions[emoji] = append([]string(nil), ids...)
	}
	c.ReadBy = append([]string{}, m.ReadBy...)
	if m.EditHistory != nil {
		c.EditHistory = append([]EditEntry(nil), m.EditHistory...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.PinnedAt != nil {
		t := *m.PinnedAt
		c.PinnedAt = &t
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	return &c
}

// AddReaction adds identityID under emoji. It reports false when the pair was already present.
func (m *Message) AddReaction(emoji, identityID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	for _, id := range m.Reactions[emoji] {
		if id == identityID {
			return false
		}
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], identityID)
	return true
}

// AddReader records identityID in ReadBy. It reports false when already present.
func (m *Message) AddReader(identityID string) bool {
	for _, id := range m.ReadBy {
		if id == identityID {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, identityID)
	return true
}

// HasAttachmentNamed reports whether any attachment's original name contains the lowercased needle.
func (m *Message) HasAttachmentNamed(lowerNeedle string) bool {
	for _, a := range m.Attachments {
		if containsFold(a.OriginalName, lowerNeedle) {
			return true
		}
	}
	return false
}
