package gateway

import (
	"fmt"
	"strings"

	"github.com/harun/relia/pkg/delivery"
	"github.com/xeipuuv/gojsonschema"
)

// JSON schemas for the client-initiated control frames. Validation runs
// before any frame touches the bus, so malformed input is rejected at the
// edge with a coded error instead of surfacing as a zero-value ack.
const (
	authFrameSchema = `{
		"type": "object",
		"required": ["type", "signature"],
		"properties": {
			"type": {"const": "auth"},
			"signature": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
		}
	}`

	resumeFrameSchema = `{
		"type": "object",
		"required": ["type", "session_id"],
		"properties": {
			"type": {"const": "resume"},
			"session_id": {"type": "string", "minLength": 1, "maxLength": 128},
			"last_acked_sequence": {"type": "integer", "minimum": 0}
		}
	}`

	ackFrameSchema = `{
		"type": "object",
		"required": ["type", "session_id", "up_to_sequence"],
		"properties": {
			"type": {"const": "ack"},
			"session_id": {"type": "string", "minLength": 1, "maxLength": 128},
			"up_to_sequence": {"type": "integer", "minimum": 0}
		}
	}`
)

// FrameValidator validates inbound control frames against their schemas
type FrameValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewFrameValidator compiles the control frame schemas
func NewFrameValidator() (*FrameValidator, error) {
	sources := map[string]string{
		TypeAuth:            authFrameSchema,
		delivery.TypeResume: resumeFrameSchema,
		delivery.TypeAck:    ackFrameSchema,
	}

	schemas := make(map[string]*gojsonschema.Schema, len(sources))
	for frameType, source := range sources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s frame schema: %w", frameType, err)
		}
		schemas[frameType] = schema
	}

	return &FrameValidator{schemas: schemas}, nil
}

// Validate checks a raw frame against the schema for its type. Frame types
// without a schema pass through untouched.
func (v *FrameValidator) Validate(frameType string, raw []byte) error {
	schema, ok := v.schemas[frameType]
	if !ok {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("invalid %s frame: %w", frameType, err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return fmt.Errorf("invalid %s frame: %s", frameType, strings.Join(details, "; "))
}
