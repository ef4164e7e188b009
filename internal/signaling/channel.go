// Package signaling provides the relay used to exchange negotiation messages
// between identities before a direct path exists.
//
// Two implementations are provided: WSChannel talks to the relay hub over a
// WebSocket, MemoryHub connects endpoints inside one process.
package signaling

import "errors"

var (
	ErrNotAttached     = errors.New("signaling: not attached")
	ErrAlreadyAttached = errors.New("signaling: already attached")
	ErrSendQueueFull   = errors.New("signaling: send queue full")
	ErrPeerOffline     = errors.New("signaling: peer offline")
	ErrClosed          = errors.New("signaling: channel closed")
)

// Handler receives channel notifications. All callbacks for one attachment
// are delivered from a single goroutine, in order: OnAttached first, then
// messages in the order the relay delivered them.
//
// OnDetached is delivered at most once and only for detaches the owner did
// not request (including a failed attach).
type Handler interface {
	OnAttached()
	OnDetached(err error)
	OnMessage(from string, payload []byte)
}

type Channel interface {
	// Attach starts binding the channel to identity. The outcome is reported
	// through h; a non-nil return means the attempt could not even start.
	Attach(identity string, h Handler) error
	Detach(identity string)
	// Send queues payload for dest. It does not wait for delivery.
	Send(dest string, payload []byte) error
}
