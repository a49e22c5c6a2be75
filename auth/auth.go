// Package auth declares the interface the broker core consumes from an
// authentication backend. Backend implementations are explicitly out of
// scope (spec §1, §6); only the contract the broker calls during CONNECT
// processing lives here.
package auth

import "context"

// Identity is whatever the authentication backend wants to associate with
// an accepted CONNECT; the broker core treats it opaquely.
type Identity struct {
	ClientID string
	Username string
}

// Authenticator authenticates a CONNECT attempt given an optional
// username/password (either may be empty when the client omitted them).
// It is called at most once per CONNECT packet: broker.HandleConnect
// skips it when the protocol or client identifier is rejected first.
type Authenticator interface {
	Authenticate(ctx context.Context, clientID, username, password string) (Identity, error)
}
