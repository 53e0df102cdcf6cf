package websocket

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidFrame     = errors.New("frame is not valid JSON")
)

// Handler errors
var (
	ErrInvalidClientID = errors.New("client_id must be 1-64 letters, digits, '-' or '_'")
)
