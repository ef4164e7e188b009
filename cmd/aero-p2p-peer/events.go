package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/connection"
)

// daemonEvents logs manager events and surfaces death to main.
type daemonEvents struct {
	log  *slog.Logger
	died chan error
}

func newDaemonEvents(log *slog.Logger) *daemonEvents {
	return &daemonEvents{log: log, died: make(chan error, 1)}
}

func (e *daemonEvents) OnClientReady() { e.log.Info("peer ready") }

func (e *daemonEvents) OnClientDied(err error) {
	select {
	case e.died <- err:
	default:
	}
}

func (e *daemonEvents) OnPeerConnected(peerID string) {
	e.log.Info("peer connected", "peer_id", peerID)
}

func (e *daemonEvents) OnPeerDisconnected(peerID string) {
	e.log.Info("peer disconnected", "peer_id", peerID)
}

func (e *daemonEvents) OnRemoteStreamAdded(peerID string, s connection.RemoteStream) {
	e.log.Info("remote stream added", "peer_id", peerID, "stream_id", s.StreamID())
}

func (e *daemonEvents) OnRemoteStreamRemoved(peerID string, s connection.RemoteStream) {
	e.log.Info("remote stream removed", "peer_id", peerID, "stream_id", s.StreamID())
}
