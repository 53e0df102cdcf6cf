// Package hub turns inbound socket events into router calls. Each event name
// maps to a typed request that is decoded, validated and dispatched; the
// outcome comes back as an Ack for the client's callback.
package hub

import (
	"bytes"
	"context"
	"errors"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"huddle/internal/logging"
	"huddle/internal/router"
	"huddle/pkg/types"
)

// Inbound event names.
const (
	EventSetUsername         = "set-username"
	EventCreateGroup         = "create-group"
	EventJoinGroup           = "join-group"
	EventLeaveGroup          = "leave-group"
	EventSendMessage         = "send-message"
	EventReplyMessage        = "reply-message"
	EventEditMessage         = "edit-message"
	EventDeleteMessage       = "delete-message"
	EventAddReaction         = "add-reaction"
	EventPinMessage          = "pin-message"
	EventUnpinMessage        = "unpin-message"
	EventPinnedMessages      = "get-pinned-messages"
	EventLoadMessages        = "load-messages"
	EventSearchMessages      = "search-messages"
	EventTypingStart         = "typing-start"
	EventTypingStop          = "typing-stop"
	EventMessageRead         = "message-read"
	EventSetStatus           = "set-status"
	EventSetMemberRole       = "set-member-role"
	EventUpdateGroupSettings = "update-group-settings"
	EventRemoveMember        = "remove-member"
)

type handlerFunc func(ctx context.Context, connectionID string, data []byte) (types.Ack, error)

// Hub dispatches inbound events for every connection.
// ARCHITECTURAL DISCOVERY: the hub holds no state of its own. Ordering per
// connection comes from the transport reading one frame at a time, ordering
// per group from the router's group locks.
type Hub struct {
	router   *router.Router
	log      zerolog.Logger
	handlers map[string]handlerFunc
}

// New builds a hub over r.
func New(r *router.Router) *Hub {
	h := &Hub{
		router: r,
		log:    logging.Component("hub"),
	}
	h.handlers = map[string]handlerFunc{
		EventSetUsername:         h.setUsername,
		EventCreateGroup:         h.createGroup,
		EventJoinGroup:           h.joinGroup,
		EventLeaveGroup:          h.leaveGroup,
		EventSendMessage:         h.sendMessage,
		EventReplyMessage:        h.replyMessage,
		EventEditMessage:         h.editMessage,
		EventDeleteMessage:       h.deleteMessage,
		EventAddReaction:         h.addReaction,
		EventPinMessage:          h.pinMessage,
		EventUnpinMessage:        h.unpinMessage,
		EventPinnedMessages:      h.pinnedMessages,
		EventLoadMessages:        h.loadMessages,
		EventSearchMessages:      h.searchMessages,
		EventTypingStart:         h.typingStart,
		EventTypingStop:          h.typingStop,
		EventMessageRead:         h.messageRead,
		EventSetStatus:           h.setStatus,
		EventSetMemberRole:       h.setMemberRole,
		EventUpdateGroupSettings: h.updateGroupSettings,
		EventRemoveMember:        h.removeMember,
	}
	return h
}

// Events lists the inbound event names the hub understands, sorted.
func (h *Hub) Events() []string {
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one inbound event for connectionID and returns its ack.
func (h *Hub) Dispatch(ctx context.Context, connectionID, event string, data []byte) types.Ack {
	handle, ok := h.handlers[event]
	if !ok {
		h.log.Debug().Str("connection_id", connectionID).Str("event", event).Msg("unknown event")
		return types.Failed(types.WrapError(types.KindInvalidInput, ErrUnknownEvent, ErrUnknownEvent.Error()+": "+event))
	}
	ack, err := handle(ctx, connectionID, data)
	if err != nil {
		h.log.Debug().Err(err).Str("connection_id", connectionID).Str("event", event).
			Str("kind", string(types.KindOf(err))).Msg("event rejected")
		return types.Failed(err)
	}
	return ack
}

// Disconnect runs the departure cleanup for connectionID.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) {
	if err := h.router.Disconnect(ctx, connectionID); err != nil {
		h.log.Error().Err(err).Str("connection_id", connectionID).Msg("disconnect cleanup failed")
	}
}

// decode unmarshals data into a T and validates it.
func decode[T any](data []byte) (T, error) {
	var req T
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return req, types.WrapError(types.KindInvalidInput, errors.Join(ErrInvalidPayload, err), ErrInvalidPayload.Error())
	}
	if err := validateRequest(&req); err != nil {
		return req, err
	}
	return req, nil
}

func done(err error) (types.Ack, error) {
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK(), nil
}

func (h *Hub) setUsername(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.SetUsernameRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	res, err := h.router.Connect(ctx, connectionID, req.Name)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithSession(res.Identity, res.Groups), nil
}

func (h *Hub) createGroup(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.CreateGroupRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	view, err := h.router.CreateGroup(ctx, connectionID, req)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithGroup(view), nil
}

func (h *Hub) joinGroup(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.JoinGroupRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	res, err := h.router.JoinGroup(ctx, connectionID, req)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithGroup(res.Group).WithMessages(res.Messages), nil
}

func (h *Hub) leaveGroup(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.LeaveGroupRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.LeaveGroup(ctx, connectionID, req.GroupID))
}

func (h *Hub) sendMessage(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.SendMessageRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	msg, err := h.router.Send(ctx, connectionID, req)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithMessage(msg), nil
}

func (h *Hub) replyMessage(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.ReplyMessageRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	msg, err := h.router.Reply(ctx, connectionID, req)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithMessage(msg), nil
}

func (h *Hub) editMessage(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.EditMessageRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.Edit(ctx, connectionID, req))
}

func (h *Hub) deleteMessage(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	ref, err := decode[types.MessageRef](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.Delete(ctx, connectionID, ref))
}

func (h *Hub) addReaction(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.ReactionRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.React(ctx, connectionID, req))
}

func (h *Hub) pinMessage(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	ref, err := decode[types.MessageRef](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.Pin(ctx, connectionID, ref))
}

func (h *Hub) unpinMessage(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	ref, err := decode[types.MessageRef](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.Unpin(ctx, connectionID, ref))
}

func (h *Hub) loadMessages(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.LoadMessagesRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	msgs, err := h.router.LoadRecent(ctx, connectionID, req)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithMessages(msgs), nil
}

func (h *Hub) searchMessages(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.SearchRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	msgs, err := h.router.Search(ctx, connectionID, req)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithMessages(msgs), nil
}

func (h *Hub) pinnedMessages(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.PinnedMessagesRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	msgs, err := h.router.PinnedMessages(ctx, connectionID, req.GroupID)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithMessages(msgs), nil
}

func (h *Hub) typingStart(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.TypingRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.TypingStart(ctx, connectionID, req.GroupID))
}

func (h *Hub) typingStop(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.TypingRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.TypingStop(ctx, connectionID, req.GroupID))
}

func (h *Hub) messageRead(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	ref, err := decode[types.MessageRef](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.MarkRead(ctx, connectionID, ref))
}

func (h *Hub) setStatus(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.SetStatusRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.SetStatus(ctx, connectionID, req.Status))
}

func (h *Hub) setMemberRole(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.SetMemberRoleRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.SetMemberRole(ctx, connectionID, req))
}

func (h *Hub) updateGroupSettings(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.UpdateSettingsRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	view, err := h.router.UpdateSettings(ctx, connectionID, req)
	if err != nil {
		return types.Ack{}, err
	}
	return types.OK().WithGroup(view), nil
}

func (h *Hub) removeMember(ctx context.Context, connectionID string, data []byte) (types.Ack, error) {
	req, err := decode[types.RemoveMemberRequest](data)
	if err != nil {
		return types.Ack{}, err
	}
	return done(h.router.RemoveMember(ctx, connectionID, req))
}
