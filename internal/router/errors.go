package router

import (
	"errors"

	"huddle/internal/envelope"
	"huddle/internal/group"
	"huddle/internal/session"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// Router errors
var (
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrMessageNotFound     = errors.New("message not found")
	ErrEmptyMessage        = errors.New("message must contain text or attachments")
	ErrMessageTooLong      = errors.New("message text exceeds the maximum length")
	ErrAttachmentsDisabled = errors.New("attachments are disabled in this group")
	ErrNotSender           = errors.New("only the sender can edit this message")
	ErrDeleteNotPermitted  = errors.New("only the sender or a moderator can delete this message")
	ErrPinNotPermitted     = errors.New("only a moderator can pin messages")
	ErrEmptyQuery          = errors.New("search query cannot be empty")
	ErrUndecryptable       = errors.New("message could not be decrypted")
)

// kinds maps package sentinels onto caller-visible error kinds.
var kinds = []struct {
	err  error
	kind types.ErrorKind
}{
	{ErrRateLimitExceeded, types.KindRateLimited},
	{ErrMessageNotFound, types.KindNotFound},
	{ErrEmptyMessage, types.KindInvalidInput},
	{ErrMessageTooLong, types.KindInvalidInput},
	{ErrEmptyQuery, types.KindInvalidInput},
	{ErrAttachmentsDisabled, types.KindForbidden},
	{ErrNotSender, types.KindForbidden},
	{ErrDeleteNotPermitted, types.KindForbidden},
	{ErrPinNotPermitted, types.KindForbidden},
	{ErrUndecryptable, types.KindAuthenticationFailed},

	{envelope.ErrAuthenticationFailed, types.KindAuthenticationFailed},
	{envelope.ErrInvalidEnvelope, types.KindAuthenticationFailed},

	{session.ErrInvalidName, types.KindInvalidInput},
	{session.ErrNameTooLong, types.KindInvalidInput},
	{session.ErrNotRegistered, types.KindNotAuthenticated},

	{group.ErrInvalidGroupName, types.KindInvalidInput},
	{group.ErrInvalidRole, types.KindInvalidInput},
	{group.ErrInvalidMaxMembers, types.KindInvalidInput},
	{group.ErrMaxBelowMembers, types.KindInvalidInput},
	{group.ErrGroupNotFound, types.KindNotFound},
	{group.ErrInvalidInvite, types.KindForbidden},
	{group.ErrNotPermitted, types.KindForbidden},
	{group.ErrOwnerLastMember, types.KindForbidden},
	{group.ErrEncryptionLocked, types.KindForbidden},
	{group.ErrNotMember, types.KindNotAMember},
	{group.ErrGroupFull, types.KindCapacityExceeded},

	{interfaces.ErrNotFound, types.KindNotFound},
}

// classify converts any error into a *types.Error. Errors that match no
// known sentinel are Internal and their detail is not exposed.
func classify(err error) *types.Error {
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return types.WrapError(k.kind, err, k.err.Error())
		}
	}
	return types.WrapError(types.KindInternal, err, "internal error")
}
