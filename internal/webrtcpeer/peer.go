package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/connection"
)

// FactoryConfig configures the PeerConnections a Factory creates.
type FactoryConfig struct {
	API *webrtc.API

	// ReceiveVideo/ReceiveAudio add a recvonly transceiver of that kind when
	// no local track of the kind is sent.
	ReceiveVideo bool
	ReceiveAudio bool

	// LocalTracks are attached to every session.
	LocalTracks []webrtc.TrackLocal

	Logger *slog.Logger
}

// Factory creates one PeerConnection per negotiation.
type Factory struct {
	cfg FactoryConfig
	log *slog.Logger
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.API == nil {
		api, err := NewAPI(NetworkSettings{}, log)
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	return &Factory{cfg: cfg, log: log}, nil
}

func (f *Factory) NewNativeSession(cfg connection.NativeConfig, events connection.NativeEvents) (connection.NativeSession, error) {
	if events == nil {
		return nil, errors.New("webrtcpeer: events are required")
	}
	pc, err := f.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if err := f.addMedia(pc); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return newSession(pc, events, f.log.With("peer_id", cfg.PeerID)), nil
}

func (f *Factory) addMedia(pc *webrtc.PeerConnection) error {
	sending := map[webrtc.RTPCodecType]bool{}
	for _, track := range f.cfg.LocalTracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track %q: %w", track.Kind(), track.ID(), err)
		}
		sending[track.Kind()] = true
		go drainRTCP(sender)
	}

	recv := func(kind webrtc.RTPCodecType) error {
		if sending[kind] {
			return nil
		}
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
		}
		return nil
	}
	if f.cfg.ReceiveVideo {
		if err := recv(webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}
	if f.cfg.ReceiveAudio {
		if err := recv(webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}
	return nil
}

// drainRTCP keeps the interceptors fed; pion only processes RTCP that is read.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
