package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts is how many bad signatures a connection gets before it is
// dropped.
const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))

	// Constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Sign computes the expected signature for a challenge. Clients use the same
// derivation on their side of the handshake.
func Sign(sharedSecret, challenge string) string {
	h := hmac.New(sha256.New, []byte(sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// HandleAuthFrame processes an authentication frame from a client
func (a *AuthHandler) HandleAuthFrame(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{
			Type:    TypeAuthResult,
			Success: false,
			Message: "No challenge found",
		}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++

		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{
				Type:    TypeAuthResult,
				Success: false,
				Message: "Too many failed attempts",
			}
		}

		return AuthResult{
			Type:    TypeAuthResult,
			Success: false,
			Message: "Invalid signature",
		}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = "" // Clear challenge

	return AuthResult{
		Type:    TypeAuthResult,
		Success: true,
	}
}
