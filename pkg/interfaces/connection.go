package interfaces

// Transport delivers named events to live connections.
// FUNCTIONAL DISCOVERY: Emit must only enqueue. Callers hold the per-group
// ordering lock while emitting, so a blocking write would stall the group.
type Transport interface {
	// Emit queues event for one connection. Returns ErrNotConnected when the
	// connection has no live socket.
	Emit(connectionID, event string, payload any) error

	// Broadcast queues event for every live connection.
	Broadcast(event string, payload any)
}
