package session

import "errors"

// Registry errors
var (
	ErrInvalidName   = errors.New("display name must contain visible text")
	ErrNameTooLong   = errors.New("display name must be at most 50 characters")
	ErrNotRegistered = errors.New("connection has no registered identity")
)
