package session

import "github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/connection"

// Events is the application's view of a Manager. Callbacks are delivered one
// at a time from a single goroutine in the order they occurred; they may call
// back into the Manager.
type Events interface {
	OnClientReady()
	// OnClientDied is fatal. The manager must be closed and rebuilt.
	OnClientDied(err error)
	OnPeerConnected(peerID string)
	OnPeerDisconnected(peerID string)
	OnRemoteStreamAdded(peerID string, s connection.RemoteStream)
	OnRemoteStreamRemoved(peerID string, s connection.RemoteStream)
}

// NopEvents ignores everything. Embed it to implement only some callbacks.
type NopEvents struct{}

func (NopEvents) OnClientReady()                                        {}
func (NopEvents) OnClientDied(error)                                    {}
func (NopEvents) OnPeerConnected(string)                                {}
func (NopEvents) OnPeerDisconnected(string)                             {}
func (NopEvents) OnRemoteStreamAdded(string, connection.RemoteStream)   {}
func (NopEvents) OnRemoteStreamRemoved(string, connection.RemoteStream) {}
