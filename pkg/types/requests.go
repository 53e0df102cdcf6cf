package types

import (
	"bytes"
	"time"

	json "github.com/goccy/go-json"
)

// Inbound payloads. Events whose wire form is a single value (set-username,
// create-group, leave-group, load-messages, get-pinned-messages, set-status)
// also accept a bare JSON string.

type SetUsernameRequest struct {
	Name string `json:"username" validate:"required,max=200"`
}

func (r *SetUsernameRequest) UnmarshalJSON(data []byte) error {
	type plain SetUsernameRequest
	var p plain
	if err := decodeScalarOr(data, &p.Name, &p); err != nil {
		return err
	}
	*r = SetUsernameRequest(p)
	return nil
}

// GroupSettingsPatch carries optional settings changes. Nil fields are left alone.
type GroupSettingsPatch struct {
	MaxMembers        *int  `json:"maxMembers" validate:"omitempty,gte=2,lte=10000"`
	IsPrivate         *bool `json:"isPrivate"`
	AllowAttachments  *bool `json:"allowAttachments"`
	EncryptionEnabled *bool `json:"messageEncryption"`
}

// Apply returns s with the patch applied.
func (p GroupSettingsPatch) Apply(s GroupSettings) GroupSettings {
	if p.MaxMembers != nil {
		s.MaxMembers = *p.MaxMembers
	}
	if p.IsPrivate != nil {
		s.IsPrivate = *p.IsPrivate
	}
	if p.AllowAttachments != nil {
		s.AllowAttachments = *p.AllowAttachments
	}
	if p.EncryptionEnabled != nil {
		s.EncryptionEnabled = *p.EncryptionEnabled
	}
	return s
}

type CreateGroupRequest struct {
	Name     string             `json:"name" validate:"required,max=200"`
	Settings GroupSettingsPatch `json:"settings"`
}

func (r *CreateGroupRequest) UnmarshalJSON(data []byte) error {
	type plain CreateGroupRequest
	var p plain
	if err := decodeScalarOr(data, &p.Name, &p); err != nil {
		return err
	}
	*r = CreateGroupRequest(p)
	return nil
}

// JoinGroupRequest accepts either groupId+inviteCode or a "groupId:inviteCode" link in InviteCode.
type JoinGroupRequest struct {
	GroupID    string `json:"groupId" validate:"max=64"`
	InviteCode string `json:"inviteCode" validate:"required,max=128"`
}

type LeaveGroupRequest struct {
	GroupID string `json:"groupId" validate:"required,max=64"`
}

func (r *LeaveGroupRequest) UnmarshalJSON(data []byte) error {
	type plain LeaveGroupRequest
	var p plain
	if err := decodeScalarOr(data, &p.GroupID, &p); err != nil {
		return err
	}
	*r = LeaveGroupRequest(p)
	return nil
}

type SendMessageRequest struct {
	GroupID     string       `json:"groupId" validate:"required,max=64"`
	Text        string       `json:"text" validate:"required_without=Attachments"`
	Attachments []Attachment `json:"attachments" validate:"omitempty,max=10,dive"`
}

// ReplyMessageRequest is a send that quotes an earlier message of the same group.
type ReplyMessageRequest struct {
	GroupID     string       `json:"groupId" validate:"required,max=64"`
	Text        string       `json:"text" validate:"required_without=Attachments"`
	Attachments []Attachment `json:"attachments" validate:"omitempty,max=10,dive"`
	ReplyTo     string       `json:"replyTo" validate:"required,max=64"`
}

// Send returns the plain send carried by the reply.
func (r ReplyMessageRequest) Send() SendMessageRequest {
	return SendMessageRequest{GroupID: r.GroupID, Text: r.Text, Attachments: r.Attachments}
}

type EditMessageRequest struct {
	GroupID   string `json:"groupId" validate:"required,max=64"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	NewText   string `json:"newText" validate:"required"`
}

// MessageRef addresses one message; used by delete, pin, unpin and read events.
type MessageRef struct {
	GroupID   string `json:"groupId" validate:"required,max=64"`
	MessageID string `json:"messageId" validate:"required,max=64"`
}

type ReactionRequest struct {
	GroupID   string `json:"groupId" validate:"required,max=64"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type LoadMessagesRequest struct {
	GroupID string     `json:"groupId" validate:"required,max=64"`
	Before  *time.Time `json:"before"`
	Limit   int        `json:"limit" validate:"gte=0,lte=200"`
}

func (r *LoadMessagesRequest) UnmarshalJSON(data []byte) error {
	type plain LoadMessagesRequest
	var p plain
	if err := decodeScalarOr(data, &p.GroupID, &p); err != nil {
		return err
	}
	*r = LoadMessagesRequest(p)
	return nil
}

type SearchRequest struct {
	GroupID string `json:"groupId" validate:"required,max=64"`
	Query   string `json:"query" validate:"required,max=200"`
}

type PinnedMessagesRequest struct {
	GroupID string `json:"groupId" validate:"required,max=64"`
}

func (r *PinnedMessagesRequest) UnmarshalJSON(data []byte) error {
	type plain PinnedMessagesRequest
	var p plain
	if err := decodeScalarOr(data, &p.GroupID, &p); err != nil {
		return err
	}
	*r = PinnedMessagesRequest(p)
	return nil
}

type TypingRequest struct {
	GroupID string `json:"groupId" validate:"required,max=64"`
}

type SetStatusRequest struct {
	Status PresenceState `json:"status" validate:"required,oneof=online away"`
}

func (r *SetStatusRequest) UnmarshalJSON(data []byte) error {
	type plain SetStatusRequest
	var p plain
	var s string
	if err := decodeScalarOr(data, &s, &p); err != nil {
		return err
	}
	if s != "" {
		p.Status = PresenceState(s)
	}
	*r = SetStatusRequest(p)
	return nil
}

type SetMemberRoleRequest struct {
	GroupID  string `json:"groupId" validate:"required,max=64"`
	MemberID string `json:"memberId" validate:"required,max=64"`
	Role     string `json:"role" validate:"required,oneof=member moderator"`
}

type UpdateSettingsRequest struct {
	GroupID  string             `json:"groupId" validate:"required,max=64"`
	Settings GroupSettingsPatch `json:"settings"`
}

type RemoveMemberRequest struct {
	GroupID  string `json:"groupId" validate:"required,max=64"`
	MemberID string `json:"memberId" validate:"required,max=64"`
}

func decodeScalarOr(data []byte, scalar *string, obj any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, scalar)
	}
	return json.Unmarshal(trimmed, obj)
}
