package irc

import (
	"encoding/base64"
	"fmt"
)

// saslClient answers server challenges for one authentication exchange
type saslClient interface {
	// Respond takes the raw AUTHENTICATE payload ("+", "*" or base64 data)
	// and returns the next client payload to send
	Respond(challenge string) (string, error)
}

func newSASLClient(mechanism, username, password string) (saslClient, error) {
	switch mechanism {
	case "PLAIN":
		return &plainAuth{username: username, password: password}, nil
	case "EXTERNAL":
		return &externalAuth{}, nil
	case "SCRAM-SHA-256", "SCRAM-SHA-512":
		return newScramAuth(mechanism, username, password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", mechanism)
	}
}

// plainAuth implements the PLAIN mechanism: a single credential payload
// once the server signals readiness
type plainAuth struct {
	username string
	password string
}

func (a *plainAuth) Respond(challenge string) (string, error) {
	switch challenge {
	case "+":
		payload := fmt.Sprintf("\x00%s\x00%s", a.username, a.password)
		return base64.StdEncoding.EncodeToString([]byte(payload)), nil
	case "*":
		return "", fmt.Errorf("server aborted authentication")
	default:
		return "", fmt.Errorf("unexpected challenge for PLAIN")
	}
}

// externalAuth implements EXTERNAL: identity comes from the TLS client
// certificate, the payload is empty
type externalAuth struct{}

func (a *externalAuth) Respond(challenge string) (string, error) {
	switch challenge {
	case "+":
		return "+", nil
	case "*":
		return "", fmt.Errorf("server aborted authentication")
	default:
		return "", fmt.Errorf("unexpected challenge for EXTERNAL")
	}
}
