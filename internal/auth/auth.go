// Package auth verifies the credential a peer presents when it connects to
// the relay hub.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

type Mode string

const (
	ModeNone   Mode = "none"
	ModeAPIKey Mode = "api_key"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNone, ModeAPIKey:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected %q or %q)", s, ModeNone, ModeAPIKey)
	}
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(mode Mode, apiKey string) (Verifier, error) {
	switch mode {
	case ModeNone:
		return AllowAll{}, nil
	case ModeAPIKey:
		if apiKey == "" {
			return nil, errors.New("api_key auth mode requires an api key")
		}
		return APIKeyVerifier{Expected: apiKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromQuery reads the apiKey query parameter. ModeNone needs no
// credential and always yields "".
func CredentialFromQuery(mode Mode, q url.Values) (string, error) {
	switch mode {
	case ModeNone:
		return "", nil
	case ModeAPIKey:
		if key := q.Get("apiKey"); key != "" {
			return key, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromRequest prefers the X-API-Key header and falls back to the
// query string.
func CredentialFromRequest(mode Mode, r *http.Request) (string, error) {
	if mode == ModeAPIKey {
		if key := r.Header.Get("X-API-Key"); key != "" {
			return key, nil
		}
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

type AllowAll struct{}

func (AllowAll) Verify(string) error { return nil }

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
