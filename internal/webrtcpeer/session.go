package webrtcpeer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/connection"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/signalmsg"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/workqueue"
)

// session drives one PeerConnection. Every operation and every pion callback
// is funnelled through ops, so events are never raised on a caller's stack
// and arrive in the order the engine produced them.
type session struct {
	pc     *webrtc.PeerConnection
	events connection.NativeEvents
	log    *slog.Logger

	ops    *workqueue.Serial
	closed atomic.Bool
	close  sync.Once
}

// RemoteTrack is the connection.RemoteStream handed up for inbound media.
// The session itself reads Track to notice when it ends.
type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

func (t RemoteTrack) StreamID() string { return t.Track.StreamID() }

func newSession(pc *webrtc.PeerConnection, events connection.NativeEvents, log *slog.Logger) *session {
	s := &session{
		pc:     pc,
		events: events,
		log:    log,
		ops:    workqueue.NewSerial(0),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := CandidateFromPion(c.ToJSON())
		s.submit(func() { s.events.OnLocalCandidate(cand) })
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.log.Debug("ice connection state changed", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
			s.submit(s.events.OnConnectivityLost)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := RemoteTrack{Track: track, Receiver: receiver}
		s.log.Info("remote track added", "stream_id", track.StreamID(), "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		s.submit(func() { s.events.OnRemoteStreamAdded(rt) })
		go s.watchTrack(rt)
	})

	return s
}

func (s *session) CreateOffer() {
	s.submit(func() {
		offer, err := s.pc.CreateOffer(nil)
		if err != nil {
			s.events.OnNegotiationFailed(fmt.Errorf("create offer: %w", err))
			return
		}
		s.events.OnLocalDescription(DescriptionFromPion(offer))
	})
}

func (s *session) CreateAnswer() {
	s.submit(func() {
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			s.events.OnNegotiationFailed(fmt.Errorf("create answer: %w", err))
			return
		}
		s.events.OnLocalDescription(DescriptionFromPion(answer))
	})
}

func (s *session) SetLocalDescription(desc signalmsg.SessionDescription) {
	s.submit(func() {
		if err := s.pc.SetLocalDescription(DescriptionToPion(desc)); err != nil {
			s.events.OnNegotiationFailed(fmt.Errorf("set local description: %w", err))
		}
	})
}

func (s *session) SetRemoteDescription(desc signalmsg.SessionDescription) {
	s.submit(func() {
		if err := s.pc.SetRemoteDescription(DescriptionToPion(desc)); err != nil {
			s.events.OnNegotiationFailed(fmt.Errorf("set remote description: %w", err))
		}
	})
}

func (s *session) AddRemoteCandidate(c signalmsg.Candidate) {
	s.submit(func() {
		if err := s.pc.AddICECandidate(CandidateToPion(c)); err != nil {
			// A single bad candidate is not fatal; others may still connect.
			s.log.Warn("add remote candidate", "err", err)
		}
	})
}

// Close stops event delivery immediately and releases the PeerConnection in
// the background, so it is safe to call while holding the connection lock.
func (s *session) Close() error {
	s.close.Do(func() {
		s.closed.Store(true)
		s.ops.Stop()
		go func() {
			if err := s.pc.Close(); err != nil {
				s.log.Warn("close peer connection", "err", err)
			}
		}()
	})
	return nil
}

// submit queues fn unless the session is closed. fn is skipped if the session
// closes before it runs.
func (s *session) submit(fn func()) {
	if s.closed.Load() {
		return
	}
	s.ops.Submit(func() {
		if s.closed.Load() {
			return
		}
		fn()
	})
}

// watchTrack reads until the track ends, then reports its removal.
func (s *session) watchTrack(rt RemoteTrack) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := rt.Track.Read(buf); err != nil {
			if s.closed.Load() {
				return
			}
			s.log.Info("remote track ended", "stream_id", rt.StreamID(), "err", err)
			s.submit(func() { s.events.OnRemoteStreamRemoved(rt) })
			return
		}
	}
}

func DescriptionFromPion(d webrtc.SessionDescription) signalmsg.SessionDescription {
	return signalmsg.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func DescriptionToPion(d signalmsg.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func CandidateFromPion(c webrtc.ICECandidateInit) signalmsg.Candidate {
	out := signalmsg.Candidate{Candidate: c.Candidate}
	if c.SDPMLineIndex != nil {
		out.SDPMLineIndex = int(*c.SDPMLineIndex)
	}
	if c.SDPMid != nil {
		out.SDPMid = *c.SDPMid
	}
	return out
}

func CandidateToPion(c signalmsg.Candidate) webrtc.ICECandidateInit {
	idx := uint16(c.SDPMLineIndex)
	mid := c.SDPMid
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
