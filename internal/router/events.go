package router

import (
	"time"

	"huddle/pkg/types"
)

// Outbound event names.
const (
	EventNewMessage           = "new-message"
	EventMessageEdited        = "message-edited"
	EventMessageDeleted       = "message-deleted"
	EventMessageReacted       = "message-reacted"
	EventMessagePinned        = "message-pinned"
	EventMessageUnpinned      = "message-unpinned"
	EventTypingStatus         = "typing-status"
	EventMessageRead          = "message-read"
	EventMessageDelivered     = "message-delivered"
	EventUserConnected        = "user-connected"
	EventUserDisconnected     = "user-disconnected"
	EventUserStatus           = "user-status"
	EventOnlineCount          = "online-count"
	EventGroupUpdated         = "group-updated"
	EventUserLeft             = "user-left"
	EventMemberRemoved        = "member-removed"
	EventRemovedFromGroup     = "removed-from-group"
	EventGroupSettingsChanged = "group-settings-changed"
	EventRoleChanged          = "role-changed"
)

// MessageEdited carries the new text and the history length, not the history itself.
type MessageEdited struct {
	MessageID string    `json:"messageId"`
	GroupID   string    `json:"groupId"`
	Text      string    `json:"text"`
	EditedAt  time.Time `json:"editedAt"`
	EditCount int       `json:"editCount"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId"`
}

type MessageReacted struct {
	MessageID string              `json:"messageId"`
	GroupID   string              `json:"groupId"`
	Reactions map[string][]string `json:"reactions"`
}

type MessagePinned struct {
	MessageID string    `json:"messageId"`
	GroupID   string    `json:"groupId"`
	By        Actor     `json:"by"`
	At        time.Time `json:"timestamp"`
}

// Actor names who did something.
type Actor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type TypingStatus struct {
	GroupID string   `json:"groupId"`
	Users   []string `json:"users"`
}

type MessageRead struct {
	MessageID string  `json:"messageId"`
	GroupID   string  `json:"groupId"`
	ReadBy    []Actor `json:"readBy"`
	Count     int     `json:"count"`
}

type MessageDelivered struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId"`
	Reader    Actor  `json:"reader"`
}

type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type UserStatus struct {
	ID       string              `json:"id"`
	Username string              `json:"username"`
	Status   types.PresenceState `json:"status"`
}

type UserLeft struct {
	GroupID    string `json:"groupId"`
	User       Actor  `json:"user"`
	NewOwnerID string `json:"newOwnerId,omitempty"`
}

type MemberRemoved struct {
	GroupID string `json:"groupId"`
	Member  Actor  `json:"member"`
	By      Actor  `json:"removedBy"`
}

type RemovedFromGroup struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
	By        Actor  `json:"removedBy"`
}

type GroupSettingsChanged struct {
	GroupID  string              `json:"groupId"`
	Settings types.GroupSettings `json:"settings"`
	By       Actor               `json:"changedBy"`
}

type RoleChanged struct {
	GroupID string `json:"groupId"`
	Member  Actor  `json:"member"`
	Role    string `json:"role"`
	By      Actor  `json:"changedBy"`
}

// ConnectResult answers the set-username handshake.
type ConnectResult struct {
	Identity types.Identity    `json:"user"`
	Groups   []types.GroupView `json:"groups"`
}

// JoinResult answers join-group with the group and its recent history.
type JoinResult struct {
	Group    types.GroupView  `json:"group"`
	Messages []*types.Message `json:"messages"`
}

// Stats is the engine snapshot served at /api/stats.
type Stats struct {
	OnlineUsers       int   `json:"onlineUsers"`
	Groups            int   `json:"groups"`
	CachedMessages    int   `json:"cachedMessages"`
	CacheHits         int64 `json:"cacheHits"`
	CacheMisses       int64 `json:"cacheMisses"`
	CacheEvictions    int64 `json:"cacheEvictions"`
	OfflineRecipients int   `json:"offlineRecipients"`
	RateLimited       int   `json:"rateLimitedIdentities"`
	PendingTimers     int   `json:"pendingTimers"`
}

// SweepResult reports what a maintenance pass removed.
type SweepResult struct {
	IdleBuckets    int `json:"idleBuckets"`
	Tombstones     int `json:"tombstones"`
	ExpiredOffline int `json:"expiredOffline"`
}
