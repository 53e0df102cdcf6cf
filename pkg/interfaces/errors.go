package interfaces

import "errors"

// Common collaborator errors used across components
var (
	ErrNotFound     = errors.New("record not found")
	ErrNotConnected = errors.New("connection not live")
)
