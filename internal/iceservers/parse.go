package iceservers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ServerJSON is the wire form of one ICE server, as used in
// AERO_ICE_SERVERS_JSON and the hub's /ice response. urls may be a single
// string or a list.
type ServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// Response is the body served at GET /ice.
type Response struct {
	ICEServers []ServerJSON `json:"iceServers"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseJSON parses and validates a JSON list of ICE servers. When turnREST is
// set, TURN entries may omit credentials because they are generated per
// request.
func ParseJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []ServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}
	return FromJSON(servers, turnREST)
}

func FromJSON(servers []ServerJSON, turnREST bool) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			urls = append(urls, u)
		}

		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}

		if err := Validate(pcServer, turnREST); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ToJSON converts servers to their wire form. The result is never nil so it
// always encodes as a JSON array.
func ToJSON(servers []webrtc.ICEServer) []ServerJSON {
	out := make([]ServerJSON, 0, len(servers))
	for _, s := range servers {
		cred, _ := s.Credential.(string)
		out = append(out, ServerJSON{
			URLs:       append(stringOrStringSlice(nil), s.URLs...),
			Username:   s.Username,
			Credential: cred,
		})
	}
	return out
}

// ParseConvenience builds an ICE server list from comma-separated STUN and
// TURN URL lists plus one TURN username/credential pair.
func ParseConvenience(stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := Validate(server, false); err != nil {
			return nil, fmt.Errorf("stun urls: %w", err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !turnREST && (turnUsername == "" || turnCredential == "") {
			return nil, errors.New("turn username and credential must both be set when turn urls are set")
		}

		server := webrtc.ICEServer{URLs: turnList, Username: turnUsername}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := Validate(server, turnREST); err != nil {
			return nil, fmt.Errorf("turn urls: %w", err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func Validate(server webrtc.ICEServer, turnREST bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	if !turnREST && HasTURNURL(server) {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	for _, raw := range server.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedScheme(u) {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	return nil
}

func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// WithTURNCredentials returns a copy of servers with username/credential
// substituted on every TURN entry.
func WithTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if HasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func isAllowedScheme(u string) bool {
	u = strings.ToLower(u)
	switch {
	case strings.HasPrefix(u, "stun:"),
		strings.HasPrefix(u, "stuns:"),
		strings.HasPrefix(u, "turn:"),
		strings.HasPrefix(u, "turns:"):
		return true
	default:
		return false
	}
}
