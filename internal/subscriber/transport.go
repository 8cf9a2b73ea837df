// Package subscriber implements the Subscriber Engine: the per-connection
// state machine that merges a bounded historical replay with a live
// notification feed, the hard part of the streaming hub.
package subscriber

// Transport is the minimal send/close surface the Engine needs from a live
// connection. The Engine's run loop is the transport's only sender.
type Transport interface {
	// Send transmits one already-encoded envelope. isBinary selects a
	// WebSocket binary frame over a text frame. An error return means the
	// client appears to have disconnected.
	Send(payload []byte, isBinary bool) error

	// Close closes the connection with a WebSocket close code and reason.
	Close(code int, reason string) error
}
