package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrBadSecret is returned when a challenge answer does not verify.
var ErrBadSecret = errors.New("invalid secret")

// Authenticator implements the legacy HMAC-SHA256 challenge/response.
type Authenticator struct {
	key []byte
}

// NewAuthenticator derives the MAC key as SHA256(secret), so weak secrets
// still give a uniform key.
func NewAuthenticator(secret string) *Authenticator {
	sum := sha256.Sum256([]byte(secret))
	return &Authenticator{key: sum[:]}
}

// Answer produces the lowercase hex HMAC tag for a challenge nonce.
func (a *Authenticator) Answer(challenge uuid.UUID) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(challenge[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks a challenge answer in constant time. Invalid hex fails
// without a timing side channel.
func (a *Authenticator) Validate(challenge uuid.UUID, tag string) bool {
	raw, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write(challenge[:])
	return hmac.Equal(raw, mac.Sum(nil))
}

// ServerHandshake sends a challenge and validates the client's answer.
func (a *Authenticator) ServerHandshake(stream *Delimited) error {
	challenge := uuid.New()
	if err := stream.Send(ServerChallenge(challenge)); err != nil {
		return err
	}
	msg, err := stream.RecvClientTimeout()
	if err != nil {
		return err
	}
	if msg.Authenticate == nil {
		return errors.New("server requires secret, but no secret was provided")
	}
	if !a.Validate(challenge, *msg.Authenticate) {
		return ErrBadSecret
	}
	return nil
}

// ClientHandshake waits for a challenge and answers it.
func (a *Authenticator) ClientHandshake(stream *Delimited) error {
	msg, err := stream.RecvServerTimeout()
	if err != nil {
		return err
	}
	if msg.Challenge == nil {
		return errors.New("expected authentication challenge, but no secret was required")
	}
	return stream.Send(ClientAuthenticate(a.Answer(*msg.Challenge)))
}
