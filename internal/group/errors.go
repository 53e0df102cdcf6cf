package group

import "errors"

// Group directory errors
var (
	ErrInvalidGroupName  = errors.New("group name must be 1-100 characters of visible text")
	ErrGroupNotFound     = errors.New("group not found")
	ErrInvalidInvite     = errors.New("invite code does not match")
	ErrGroupFull         = errors.New("group has reached its member limit")
	ErrNotMember         = errors.New("identity is not a member of the group")
	ErrNotPermitted      = errors.New("action requires a higher group role")
	ErrOwnerLastMember   = errors.New("owner cannot leave while the only member")
	ErrMaxBelowMembers   = errors.New("member limit cannot be lower than the current member count")
	ErrInvalidRole       = errors.New("role must be 'member' or 'moderator'")
	ErrEncryptionLocked  = errors.New("encryption cannot be disabled once enabled")
	ErrInvalidMaxMembers = errors.New("member limit must be at least 2")
)
