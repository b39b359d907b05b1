package protocol

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAnswerValidateRoundTrip(t *testing.T) {
	auth := NewAuthenticator("secret")
	challenge := uuid.New()

	require.True(t, auth.Validate(challenge, auth.Answer(challenge)))
	require.False(t, auth.Validate(challenge, "wrong answer"))
	require.False(t, auth.Validate(challenge, ""))
	require.False(t, auth.Validate(challenge, "zz_not_hex"))
	require.False(t, auth.Validate(uuid.New(), auth.Answer(challenge)))
}

func TestValidateRejectsOtherSecret(t *testing.T) {
	a := NewAuthenticator("s3cret")
	b := NewAuthenticator("different")
	challenge := uuid.New()
	require.False(t, a.Validate(challenge, b.Answer(challenge)))
	require.False(t, b.Validate(challenge, a.Answer(challenge)))
}

func TestHandshake(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	auth := NewAuthenticator("s3cret")
	errCh := make(chan error, 1)
	go func() {
		errCh <- auth.ServerHandshake(NewDelimited(serverConn))
	}()
	require.NoError(t, NewAuthenticator("s3cret").ClientHandshake(NewDelimited(clientConn)))
	require.NoError(t, <-errCh)
}

func TestHandshakeWrongSecret(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- NewAuthenticator("s3cret").ServerHandshake(NewDelimited(serverConn))
	}()
	require.NoError(t, NewAuthenticator("wrong").ClientHandshake(NewDelimited(clientConn)))
	require.ErrorIs(t, <-errCh, ErrBadSecret)
}
