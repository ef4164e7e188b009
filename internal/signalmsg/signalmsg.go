// Package signalmsg defines the control messages peers exchange over the
// signaling relay while negotiating a session.
//
// Field names are part of the interoperability contract and must not change.
package signalmsg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	FieldSender    = "sender"
	FieldType      = "signal_type"
	FieldContent   = "signal_content"
	FieldSDPType   = "sdp_type"
	FieldSDP       = "sdp_description"
	FieldMLineIdx  = "candidate_sdp_m_line_index"
	FieldMid       = "candidate_sdp_mid"
	FieldCandidate = "candidate_sdp"
)

type Type string

const (
	TypeOffer      Type = "type_offer"
	TypeAnswer     Type = "type_answer"
	TypeCandidate  Type = "type_ice_candidate"
	TypeDisconnect Type = "type_disconnect"
)

func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeDisconnect:
		return true
	default:
		return false
	}
}

// SDP types carried in sdp_type.
const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrUnknownType  = errors.New("unknown signal type")
	ErrInvalidField = errors.New("invalid field")
)

type SessionDescription struct {
	Type string `json:"sdp_type"`
	SDP  string `json:"sdp_description"`
}

type Candidate struct {
	SDPMLineIndex int    `json:"candidate_sdp_m_line_index"`
	SDPMid        string `json:"candidate_sdp_mid"`
	Candidate     string `json:"candidate_sdp"`
}

// Message is a decoded signal. Description is set for offers and answers,
// Candidate for candidates; disconnects carry neither.
type Message struct {
	Sender      string
	Type        Type
	Description *SessionDescription
	Candidate   *Candidate
}

func Offer(sender, sdp string) Message {
	return Message{Sender: sender, Type: TypeOffer, Description: &SessionDescription{Type: SDPTypeOffer, SDP: sdp}}
}

func Answer(sender, sdp string) Message {
	return Message{Sender: sender, Type: TypeAnswer, Description: &SessionDescription{Type: SDPTypeAnswer, SDP: sdp}}
}

func CandidateMessage(sender string, c Candidate) Message {
	return Message{Sender: sender, Type: TypeCandidate, Candidate: &c}
}

func Disconnect(sender string) Message {
	return Message{Sender: sender, Type: TypeDisconnect}
}

type wireMessage struct {
	Sender  string          `json:"sender"`
	Type    Type            `json:"signal_type"`
	Content json.RawMessage `json:"signal_content,omitempty"`
}

type wireDescription struct {
	Type *string `json:"sdp_type"`
	SDP  *string `json:"sdp_description"`
}

type wireCandidate struct {
	SDPMLineIndex *int    `json:"candidate_sdp_m_line_index"`
	SDPMid        *string `json:"candidate_sdp_mid"`
	Candidate     *string `json:"candidate_sdp"`
}

// Encode validates m and renders its wire form.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	w := wireMessage{Sender: m.Sender, Type: m.Type}
	var err error
	switch m.Type {
	case TypeOffer, TypeAnswer:
		w.Content, err = json.Marshal(m.Description)
	case TypeCandidate:
		w.Content, err = json.Marshal(m.Candidate)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Validate reports whether m carries everything its type requires.
func (m Message) Validate() error {
	if m.Sender == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldSender)
	}
	switch m.Type {
	case TypeOffer:
		return validateDescription(m.Description, SDPTypeOffer)
	case TypeAnswer:
		return validateDescription(m.Description, SDPTypeAnswer)
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: %s", ErrMissingField, FieldContent)
		}
		if idx := m.Candidate.SDPMLineIndex; idx < 0 || idx > math.MaxUint16 {
			return fmt.Errorf("%w: %s must be in [0, %d]", ErrInvalidField, FieldMLineIdx, math.MaxUint16)
		}
		if m.Candidate.Candidate == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, FieldCandidate)
		}
		return nil
	case TypeDisconnect:
		return nil
	case "":
		return fmt.Errorf("%w: %s", ErrMissingField, FieldType)
	default:
		return fmt.Errorf("%w %q", ErrUnknownType, m.Type)
	}
}

func validateDescription(d *SessionDescription, want string) error {
	if d == nil {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldContent)
	}
	if d.Type != want {
		return fmt.Errorf("%w: %s=%q, want %q", ErrInvalidField, FieldSDPType, d.Type, want)
	}
	if d.SDP == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldSDP)
	}
	return nil
}

// Header is the routing part of a message.
type Header struct {
	Sender string
	Type   Type
}

// DecodeHeader extracts sender and type without validating the content.
func DecodeHeader(data []byte) (Header, error) {
	var w wireMessage
	if err := decodeStrict(data, &w); err != nil {
		return Header{}, err
	}
	if w.Sender == "" {
		return Header{}, fmt.Errorf("%w: %s", ErrMissingField, FieldSender)
	}
	if !w.Type.Valid() {
		if w.Type == "" {
			return Header{}, fmt.Errorf("%w: %s", ErrMissingField, FieldType)
		}
		return Header{}, fmt.Errorf("%w %q", ErrUnknownType, w.Type)
	}
	return Header{Sender: w.Sender, Type: w.Type}, nil
}

// Decode parses and validates a message. Unknown fields are ignored.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := decodeStrict(data, &w); err != nil {
		return Message{}, err
	}
	m := Message{Sender: w.Sender, Type: w.Type}

	switch w.Type {
	case TypeOffer, TypeAnswer:
		if !hasContent(w.Content) {
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, FieldContent)
		}
		var d wireDescription
		if err := json.Unmarshal(w.Content, &d); err != nil {
			return Message{}, fmt.Errorf("%s: %w", FieldContent, err)
		}
		if d.Type == nil {
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, FieldSDPType)
		}
		if d.SDP == nil {
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, FieldSDP)
		}
		m.Description = &SessionDescription{Type: *d.Type, SDP: *d.SDP}
	case TypeCandidate:
		if !hasContent(w.Content) {
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, FieldContent)
		}
		var c wireCandidate
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return Message{}, fmt.Errorf("%s: %w", FieldContent, err)
		}
		switch {
		case c.SDPMLineIndex == nil:
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, FieldMLineIdx)
		case c.SDPMid == nil:
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, FieldMid)
		case c.Candidate == nil:
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, FieldCandidate)
		}
		m.Candidate = &Candidate{SDPMLineIndex: *c.SDPMLineIndex, SDPMid: *c.SDPMid, Candidate: *c.Candidate}
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func hasContent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
