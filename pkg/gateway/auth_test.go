package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should generate 32-byte challenge as hex", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)
		assert.Len(t, challenge, 64) // 32 bytes = 64 hex characters
	})

	t.Run("should generate unique challenges", func(t *testing.T) {
		challenge1, err1 := auth.GenerateChallenge()
		challenge2, err2 := auth.GenerateChallenge()

		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotEqual(t, challenge1, challenge2)
	})
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should verify valid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		valid := auth.VerifySignature(challenge, Sign("test-secret", challenge))
		assert.True(t, valid)
	})

	t.Run("should reject invalid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		valid := auth.VerifySignature(challenge, "invalid-signature")
		assert.False(t, valid)
	})

	t.Run("should reject signature with wrong secret", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		wrongSignature := Sign("wrong-secret", challenge)
		valid := auth.VerifySignature(challenge, wrongSignature)
		assert.False(t, valid)
	})
}

func TestAuthHandler_HandleAuthFrame(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should succeed with valid signature", func(t *testing.T) {
		client := &Client{
			ID:        "test-client",
			Challenge: "test-challenge",
		}

		result := auth.HandleAuthFrame(client, Sign("test-secret", "test-challenge"))

		assert.True(t, result.Success)
		assert.Equal(t, TypeAuthResult, result.Type)
		assert.True(t, client.Authenticated)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Equal(t, 0, client.AuthAttempts)
		assert.Empty(t, client.Challenge)
	})

	t.Run("should fail with invalid signature", func(t *testing.T) {
		client := &Client{
			ID:        "test-client",
			Challenge: "test-challenge",
		}

		result := auth.HandleAuthFrame(client, "invalid-signature")

		assert.False(t, result.Success)
		assert.Equal(t, TypeAuthResult, result.Type)
		assert.False(t, client.Authenticated)
		assert.Equal(t, 1, client.AuthAttempts)
	})

	t.Run("should block after 3 failed attempts", func(t *testing.T) {
		client := &Client{
			ID:           "test-client",
			Challenge:    "test-challenge",
			AuthAttempts: 2,
		}

		result := auth.HandleAuthFrame(client, "invalid-signature")

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "Too many failed attempts")
		assert.Equal(t, 3, client.AuthAttempts)
	})

	t.Run("should fail when no challenge exists", func(t *testing.T) {
		client := &Client{
			ID: "test-client",
		}

		result := auth.HandleAuthFrame(client, "any-signature")

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "No challenge found")
	})
}
