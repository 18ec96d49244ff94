// Package auth verifies the bearer credential a client presents during the
// WebSocket upgrade.
//
// Clients smuggle the credential through the subprotocol negotiation header
// (`Sec-WebSocket-Protocol: id_token, <token>`) because browsers cannot set
// arbitrary headers on a WebSocket handshake.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// SubprotocolName is the subprotocol the server selects when accepting an
// upgrade, matching the prefix clients send.
const SubprotocolName = "id_token"

const tokenPrefix = SubprotocolName + ", "

var (
	// ErrMissingCredentials indicates the credential header was absent.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrMalformedCredentials indicates the credential header was present but
	// not of the form "id_token, <token>".
	ErrMalformedCredentials = errors.New("malformed credentials")
	// ErrInvalidCredentials indicates the credential failed verification.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier validates a bearer token. Verification may involve a network
// round-trip to the identity provider, so it takes a context.
type Verifier interface {
	Verify(ctx context.Context, token string) error
}

// TokenFromRequest extracts the bearer token from the upgrade request's
// Sec-WebSocket-Protocol header.
func TokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Sec-Websocket-Protocol")
	if header == "" {
		return "", ErrMissingCredentials
	}
	token, ok := strings.CutPrefix(header, tokenPrefix)
	if !ok || token == "" {
		return "", ErrMalformedCredentials
	}
	return token, nil
}
