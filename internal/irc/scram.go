package irc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	scramStepClientFirst = iota
	scramStepClientFinal
	scramStepVerify
	scramStepDone
)

// scramAuth implements the SCRAM-SHA-256 and SCRAM-SHA-512 mechanisms as a
// three-step challenge/response machine
type scramAuth struct {
	newHash  func() hash.Hash
	username string
	password string

	step        int
	clientNonce string
	serverNonce string
	serverFirst string
	serverKey   []byte
}

func newScramAuth(mechanism, username, password string) (*scramAuth, error) {
	a := &scramAuth{
		username:    saslnameEscape(username),
		password:    password,
		clientNonce: generateNonce(),
	}
	switch mechanism {
	case "SCRAM-SHA-256":
		a.newHash = sha256.New
	case "SCRAM-SHA-512":
		a.newHash = sha512.New
	default:
		return nil, fmt.Errorf("unsupported scram mechanism %q", mechanism)
	}
	return a, nil
}

func (a *scramAuth) Respond(challenge string) (string, error) {
	if challenge == "*" {
		return "", fmt.Errorf("server aborted authentication")
	}
	switch a.step {
	case scramStepClientFirst:
		if challenge != "+" {
			return "", fmt.Errorf("unexpected initial challenge")
		}
		a.step = scramStepClientFinal
		first := "n,," + a.clientFirstBare()
		return base64.StdEncoding.EncodeToString([]byte(first)), nil
	case scramStepClientFinal:
		return a.clientFinal(challenge)
	case scramStepVerify:
		return a.verifyServerFinal(challenge)
	default:
		return "", fmt.Errorf("authentication already finished")
	}
}

func (a *scramAuth) clientFirstBare() string {
	return fmt.Sprintf("n=%s,r=%s", a.username, a.clientNonce)
}

// clientFinal processes the server-first message and produces the proof
func (a *scramAuth) clientFinal(challenge string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(challenge)
	if err != nil {
		return "", fmt.Errorf("malformed server challenge: %w", err)
	}
	serverFirst := string(decoded)
	attrs := parseScramAttrs(serverFirst)

	serverNonce, ok := attrs["r"]
	if !ok || !strings.HasPrefix(serverNonce, a.clientNonce) {
		return "", fmt.Errorf("server nonce does not extend client nonce")
	}
	salt, ok := attrs["s"]
	if !ok {
		return "", fmt.Errorf("server challenge missing salt")
	}
	iterStr, ok := attrs["i"]
	if !ok {
		return "", fmt.Errorf("server challenge missing iteration count")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return "", fmt.Errorf("invalid iteration count %q", iterStr)
	}
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("invalid salt encoding: %w", err)
	}
	a.serverNonce = serverNonce
	a.serverFirst = serverFirst

	salted := pbkdf2.Key([]byte(a.password), saltBytes, iterations, a.newHash().Size(), a.newHash)
	clientKey := computeHMAC(salted, "Client Key", a.newHash)
	storedKey := computeHash(clientKey, a.newHash)
	a.serverKey = computeHMAC(salted, "Server Key", a.newHash)

	withoutProof := a.clientFinalWithoutProof()
	authMessage := a.clientFirstBare() + "," + serverFirst + "," + withoutProof
	signature := computeHMAC(storedKey, authMessage, a.newHash)
	proof := xorBytes(clientKey, signature)
	if proof == nil {
		return "", fmt.Errorf("proof computation failed")
	}

	a.step = scramStepVerify
	final := withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return base64.StdEncoding.EncodeToString([]byte(final)), nil
}

func (a *scramAuth) clientFinalWithoutProof() string {
	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	return fmt.Sprintf("c=%s,r=%s", channelBinding, a.serverNonce)
}

// verifyServerFinal checks the server signature, proving the server also
// knew the password
func (a *scramAuth) verifyServerFinal(challenge string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(challenge)
	if err != nil {
		return "", fmt.Errorf("malformed server signature: %w", err)
	}
	attrs := parseScramAttrs(string(decoded))
	got, ok := attrs["v"]
	if !ok {
		return "", fmt.Errorf("server final message missing signature")
	}

	// The auth message covers the server-first exactly as received, so
	// attribute order and unknown extensions do not matter
	authMessage := a.clientFirstBare() + "," + a.serverFirst + "," + a.clientFinalWithoutProof()
	want := base64.StdEncoding.EncodeToString(computeHMAC(a.serverKey, authMessage, a.newHash))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return "", fmt.Errorf("server signature mismatch")
	}

	a.step = scramStepDone
	return "+", nil
}

func generateNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("nonce generation failed: %v", err))
	}
	return base64.RawStdEncoding.EncodeToString(buf)
}

// saslnameEscape encodes the characters SCRAM reserves in usernames
func saslnameEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	return strings.ReplaceAll(s, ",", "=2C")
}

// parseScramAttrs splits "k=v,k=v" attribute lists
func parseScramAttrs(message string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(message, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}

func computeHMAC(key []byte, data string, h func() hash.Hash) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func computeHash(data []byte, h func() hash.Hash) []byte {
	hasher := h()
	hasher.Write(data)
	return hasher.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	if len(a) != len(b) {
		return nil
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
