package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/relia/pkg/delivery"
)

func TestFrameValidator_Resume(t *testing.T) {
	v, err := NewFrameValidator()
	require.NoError(t, err)

	t.Run("accepts a minimal resume frame", func(t *testing.T) {
		err := v.Validate(delivery.TypeResume, []byte(`{"type":"resume","session_id":"session-a"}`))
		assert.NoError(t, err)
	})

	t.Run("accepts a resume frame with ack floor", func(t *testing.T) {
		err := v.Validate(delivery.TypeResume, []byte(`{"type":"resume","session_id":"session-a","last_acked_sequence":42}`))
		assert.NoError(t, err)
	})

	t.Run("rejects a resume frame without session_id", func(t *testing.T) {
		err := v.Validate(delivery.TypeResume, []byte(`{"type":"resume"}`))
		assert.Error(t, err)
	})

	t.Run("rejects a negative ack floor", func(t *testing.T) {
		err := v.Validate(delivery.TypeResume, []byte(`{"type":"resume","session_id":"session-a","last_acked_sequence":-1}`))
		assert.Error(t, err)
	})
}

func TestFrameValidator_Ack(t *testing.T) {
	v, err := NewFrameValidator()
	require.NoError(t, err)

	t.Run("accepts a well-formed ack", func(t *testing.T) {
		err := v.Validate(delivery.TypeAck, []byte(`{"type":"ack","session_id":"session-a","up_to_sequence":7}`))
		assert.NoError(t, err)
	})

	t.Run("rejects an ack without up_to_sequence", func(t *testing.T) {
		err := v.Validate(delivery.TypeAck, []byte(`{"type":"ack","session_id":"session-a"}`))
		assert.Error(t, err)
	})

	t.Run("rejects a non-integer sequence", func(t *testing.T) {
		err := v.Validate(delivery.TypeAck, []byte(`{"type":"ack","session_id":"session-a","up_to_sequence":"seven"}`))
		assert.Error(t, err)
	})
}

func TestFrameValidator_Auth(t *testing.T) {
	v, err := NewFrameValidator()
	require.NoError(t, err)

	t.Run("accepts a hex signature", func(t *testing.T) {
		sig := Sign("secret", "challenge")
		err := v.Validate(TypeAuth, []byte(`{"type":"auth","signature":"`+sig+`"}`))
		assert.NoError(t, err)
	})

	t.Run("rejects a malformed signature", func(t *testing.T) {
		err := v.Validate(TypeAuth, []byte(`{"type":"auth","signature":"not-hex"}`))
		assert.Error(t, err)
	})
}

func TestFrameValidator_UnknownTypePasses(t *testing.T) {
	v, err := NewFrameValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate("something-else", []byte(`{"type":"something-else"}`)))
}
