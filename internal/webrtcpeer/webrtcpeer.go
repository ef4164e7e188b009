// Package webrtcpeer backs connection.NativeSession with a pion PeerConnection.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const (
	NAT1To1CandidateTypeHost  = "host"
	NAT1To1CandidateTypeSrflx = "srflx"
)

// NetworkSettings restricts how the engine gathers and binds candidates.
// The zero value leaves pion's defaults alone.
type NetworkSettings struct {
	UDPPortMin uint16
	UDPPortMax uint16

	NAT1To1IPs           []string
	NAT1To1CandidateType string

	// UDPListenIP limits gathering to one local address. Nil or unspecified
	// means every interface.
	UDPListenIP net.IP

	// Configure runs last and may apply anything else, e.g. a virtual
	// network in tests.
	Configure func(se *webrtc.SettingEngine)
}

// NewAPI builds a pion API with the default codecs and interceptors, logging
// through log.
func NewAPI(settings NetworkSettings, log *slog.Logger) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(log)
	if err := ApplyNetworkSettings(&se, settings); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, settings NetworkSettings) error {
	if settings.UDPPortMin != 0 || settings.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(settings.UDPPortMin, settings.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(settings.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch settings.NAT1To1CandidateType {
		case NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", settings.NAT1To1CandidateType)
		}
		se.SetNAT1To1IPs(settings.NAT1To1IPs, candidateType)
	}

	// SettingEngine has no bind address; IPFilter restricts gathering instead.
	if listenIP := settings.UDPListenIP; listenIP != nil && !listenIP.IsUnspecified() {
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	if settings.Configure != nil {
		settings.Configure(se)
	}
	return nil
}
