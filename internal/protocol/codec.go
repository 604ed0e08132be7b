package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameBytes is the largest encoded frame either side will produce or
// accept.
const MaxFrameBytes = 256 * 1024

// Codec errors.
var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMissingType   = errors.New("frame has no type tag")
)

// ParseError wraps a malformed-frame failure so transports can count it
// against the per-peer threshold without inspecting error strings.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse frame: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Encode serializes an envelope to a UTF-8 JSON frame. Frames larger than
// MaxFrameBytes are rejected.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(raw) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))
	}
	return raw, nil
}

// Decode parses a frame into an envelope. Unknown fields are ignored; a
// missing type tag or malformed JSON yields a *ParseError. Oversized input
// is rejected before parsing.
func Decode(raw []byte) (Envelope, error) {
	if len(raw) > MaxFrameBytes {
		return Envelope{}, &ParseError{Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ParseError{Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &ParseError{Err: ErrMissingType}
	}
	return env, nil
}
