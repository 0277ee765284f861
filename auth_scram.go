package mq

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// ScramAuthenticator implements Authenticator for SCRAM-SHA-256 (RFC 5802),
// the enhanced-authentication method most commonly paired with MQTT v5.0
// AUTH-based login flows.
//
// It carries the client-nonce/auth-message state needed across the two
// round trips (InitialData, then one HandleChallenge call). The server's
// final signature is checked only when VerifyServerSignature is called;
// the AUTH exchange itself does not check it.
type ScramAuthenticator struct {
	username string
	password string

	mu          sync.Mutex
	clientNonce string
	serverNonce string
	authMsg     string
	serverKey   []byte
}

// NewScramAuthenticator builds a SCRAM-SHA-256 Authenticator for the given
// username/password.
func NewScramAuthenticator(username, password string) *ScramAuthenticator {
	return &ScramAuthenticator{username: username, password: password}
}

// Method returns "SCRAM-SHA-256".
func (s *ScramAuthenticator) Method() string {
	return "SCRAM-SHA-256"
}

// InitialData builds the client-first-message: "n,,n=<user>,r=<nonce>".
func (s *ScramAuthenticator) InitialData() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("scram: generate nonce: %w", err)
	}

	s.mu.Lock()
	s.clientNonce = base64.RawStdEncoding.EncodeToString(nonce)
	msg := fmt.Sprintf("n,,n=%s,r=%s", s.username, s.clientNonce)
	s.authMsg = msg[3:] // strip the gs2-header, keep client-first-message-bare
	s.mu.Unlock()

	return []byte(msg), nil
}

// HandleChallenge processes the server-first-message (r=, s=, i=) and
// returns the client-final-message (c=, r=, p=).
func (s *ScramAuthenticator) HandleChallenge(data []byte, reasonCode uint8) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := parseSCRAMMessage(string(data))

	r, ok := parts["r"]
	if !ok || !strings.HasPrefix(r, s.clientNonce) {
		return nil, fmt.Errorf("scram: invalid or mismatched server nonce")
	}
	s.serverNonce = r

	saltStr, ok := parts["s"]
	if !ok {
		return nil, fmt.Errorf("scram: server-first-message missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltStr)
	if err != nil {
		return nil, fmt.Errorf("scram: invalid salt: %w", err)
	}

	iterStr, ok := parts["i"]
	if !ok {
		return nil, fmt.Errorf("scram: server-first-message missing iteration count")
	}
	var iter int
	if _, err := fmt.Sscanf(iterStr, "%d", &iter); err != nil || iter < 1 {
		return nil, fmt.Errorf("scram: invalid iteration count %q", iterStr)
	}

	s.authMsg += "," + string(data) + ",c=biws,r=" + s.serverNonce

	saltedPassword := pbkdf2.Key([]byte(s.password), salt, iter, sha256.Size, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(s.authMsg))

	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	s.serverKey = hmacSHA256(saltedPassword, []byte("Server Key"))

	finalMsg := fmt.Sprintf("c=biws,r=%s,p=%s", s.serverNonce, base64.StdEncoding.EncodeToString(clientProof))
	return []byte(finalMsg), nil
}

// Complete is a no-op: SCRAM-SHA-256 has no server-final-message to verify
// once the CONNACK arrives with a success reason code, since the AUTH
// exchange itself already completed the handshake.
func (s *ScramAuthenticator) Complete() error {
	return nil
}

// VerifyServerSignature checks a server-final-message ("v=<signature>")
// against the session's computed ServerKey, for callers that receive it
// out of band (some brokers echo it in CONNACK user properties rather
// than a final AUTH packet). Returns an error if the signature does not
// match, indicating the server does not actually know the password.
func (s *ScramAuthenticator) VerifyServerSignature(serverFinalMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := parseSCRAMMessage(serverFinalMessage)
	v, ok := parts["v"]
	if !ok {
		return fmt.Errorf("scram: server-final-message missing signature")
	}
	want, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("scram: invalid server signature encoding: %w", err)
	}

	got := hmacSHA256(s.serverKey, []byte(s.authMsg))
	if !hmac.Equal(got, want) {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// parseSCRAMMessage splits a comma-separated "k=v,k=v" SCRAM attribute
// list into a map, keyed by the single-character attribute name.
func parseSCRAMMessage(msg string) map[string]string {
	parts := strings.Split(msg, ",")
	m := make(map[string]string, len(parts))
	for _, p := range parts {
		if len(p) > 2 && p[1] == '=' {
			m[p[:1]] = p[2:]
		}
	}
	return m
}
