// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is the server's UTC clock plus the TTL.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	Now       func() time.Time
	SessionID func() string
}

type Generator struct {
	secret    []byte
	ttl       int64
	prefix    string
	now       func() time.Time
	sessionID func() string
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	ttl := int64(cfg.TTL / time.Second)
	if ttl <= 0 {
		return nil, errors.New("turnrest: ttl must be at least one second")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turnrest: username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == nil {
		cfg.SessionID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Generator{
		secret:    []byte(cfg.SharedSecret),
		ttl:       ttl,
		prefix:    cfg.UsernamePrefix,
		now:       cfg.Now,
		sessionID: cfg.SessionID,
	}, nil
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("turnrest: session id must not contain ':'")
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiresAt:  time.Unix(expiry, 0).UTC(),
	}, nil
}

// GenerateRandom uses a fresh session id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.sessionID())
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
