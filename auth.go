package mqttclient

import "context"

// ClientEnhancedAuthContext carries an AUTH packet received from the broker.
type ClientEnhancedAuthContext struct {
	// AuthMethod is the authentication method being used.
	AuthMethod string

	// AuthData is the authentication data from the AUTH packet.
	AuthData []byte

	// ReasonCode is the reason code from the AUTH packet.
	ReasonCode ReasonCode

	// State holds authenticator-specific state between exchanges.
	State any
}

// ClientEnhancedAuthResult represents the result of a client enhanced authentication step.
type ClientEnhancedAuthResult struct {
	// Done indicates authentication is complete (no more exchanges needed).
	Done bool

	// AuthData is authentication data to send to the server.
	AuthData []byte

	// State holds authenticator-specific state for the next exchange.
	State any
}

// ClientEnhancedAuthenticator performs MQTT 5.0 enhanced authentication.
// The client calls AuthStart while building CONNECT and again when the
// broker asks for re-authentication, and AuthContinue for every AUTH packet
// with reason Continue authentication.
type ClientEnhancedAuthenticator interface {
	// AuthMethod returns the authentication method name (e.g., "SCRAM-SHA-256").
	AuthMethod() string

	// AuthStart begins the exchange and returns the initial auth data.
	AuthStart(ctx context.Context) (*ClientEnhancedAuthResult, error)

	// AuthContinue answers a broker challenge.
	AuthContinue(ctx context.Context, authCtx *ClientEnhancedAuthContext) (*ClientEnhancedAuthResult, error)
}
