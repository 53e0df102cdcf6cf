package hub

import "errors"

// Dispatch errors
var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("payload is not valid JSON for this event")
)
