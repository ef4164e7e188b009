package connection

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signalmsg"
)

// NativeSession is the media engine behind one negotiation. Every method is
// fire-and-forget: results and failures come back through NativeEvents.
type NativeSession interface {
	CreateOffer()
	CreateAnswer()
	SetLocalDescription(desc signalmsg.SessionDescription)
	SetRemoteDescription(desc signalmsg.SessionDescription)
	AddRemoteCandidate(c signalmsg.Candidate)
	// Close releases the session. It is called at most once.
	Close() error
}

// NativeEvents receives the asynchronous results of a NativeSession.
//
// Implementations must never invoke these from inside a NativeSession method
// call; they are delivered from the engine's own goroutines.
type NativeEvents interface {
	OnLocalDescription(desc signalmsg.SessionDescription)
	OnLocalCandidate(c signalmsg.Candidate)
	OnConnectivityLost()
	OnRemoteStreamAdded(s RemoteStream)
	OnRemoteStreamRemoved(s RemoteStream)
	OnNegotiationFailed(err error)
}

// RemoteStream is an opaque handle to inbound media.
type RemoteStream interface {
	StreamID() string
}

type NativeConfig struct {
	LocalID    string
	PeerID     string
	ICEServers []webrtc.ICEServer
}

type NativeFactory interface {
	NewNativeSession(cfg NativeConfig, events NativeEvents) (NativeSession, error)
}

// Sender delivers an encoded signal to another identity.
//
// Send must not block on network I/O; it is called with the connection lock
// held.
type Sender interface {
	Send(dest string, payload []byte) error
}

// Handler observes a Connection.
//
// Callbacks run with the connection's lock held, so they are totally ordered
// per connection and must not call back into it.
type Handler interface {
	OnStateChanged(c *Connection, from, to Status)
	OnRemoteStreamAdded(c *Connection, s RemoteStream)
	OnRemoteStreamRemoved(c *Connection, s RemoteStream)
}
