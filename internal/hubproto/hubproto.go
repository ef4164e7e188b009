// Package hubproto defines the JSON frames exchanged between a peer and the
// signaling relay hub over a WebSocket.
//
// Payloads are opaque to the hub: it forwards whatever JSON value the sender
// published, stamped with the sender's authenticated identity.
package hubproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type FrameType string

const (
	FrameTypePublish FrameType = "publish"
	FrameTypeMessage FrameType = "message"
	FrameTypeError   FrameType = "error"
)

// Error codes carried in error frames.
const (
	CodePeerOffline     = "peer_offline"
	CodeRateLimited     = "rate_limited"
	CodeInvalidFrame    = "invalid_frame"
	CodeMessageTooLarge = "message_too_large"
)

var ErrInvalidFrame = errors.New("invalid frame")

type Frame struct {
	Type    FrameType       `json:"type"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func Publish(to string, payload []byte) Frame {
	return Frame{Type: FrameTypePublish, To: to, Payload: payload}
}

func Deliver(from string, payload json.RawMessage) Frame {
	return Frame{Type: FrameTypeMessage, From: from, Payload: payload}
}

func Error(code, message, to string) Frame {
	return Frame{Type: FrameTypeError, Code: code, Message: message, To: to}
}

func Marshal(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Parse decodes a single frame, rejecting unknown fields and trailing data.
func Parse(data []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidFrame)
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Type {
	case FrameTypePublish:
		if f.To == "" {
			return fmt.Errorf("%w: publish frame missing to", ErrInvalidFrame)
		}
		if f.From != "" || f.Code != "" || f.Message != "" {
			return fmt.Errorf("%w: publish frame has unexpected fields", ErrInvalidFrame)
		}
		return validatePayload(f.Payload)
	case FrameTypeMessage:
		if f.From == "" {
			return fmt.Errorf("%w: message frame missing from", ErrInvalidFrame)
		}
		if f.To != "" || f.Code != "" || f.Message != "" {
			return fmt.Errorf("%w: message frame has unexpected fields", ErrInvalidFrame)
		}
		return validatePayload(f.Payload)
	case FrameTypeError:
		if f.Code == "" {
			return fmt.Errorf("%w: error frame missing code", ErrInvalidFrame)
		}
		if f.From != "" || len(f.Payload) != 0 {
			return fmt.Errorf("%w: error frame has unexpected fields", ErrInvalidFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported frame type %q", ErrInvalidFrame, f.Type)
	}
}

func validatePayload(p json.RawMessage) error {
	p = bytes.TrimSpace(p)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return fmt.Errorf("%w: missing payload", ErrInvalidFrame)
	}
	if !json.Valid(p) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidFrame)
	}
	return nil
}
