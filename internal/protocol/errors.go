package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol          = errors.New("protocol: protocol error")
	ErrParse             = errors.New("protocol: parse error")
	ErrNestingTooDeep    = errors.New("protocol: nesting too deep")
	ErrUnencodable       = errors.New("protocol: value cannot be encoded")
	ErrFieldTypeMismatch = errors.New("protocol: field type mismatch")
	ErrMissingField      = errors.New("protocol: missing field")
	ErrUnknownMessage    = errors.New("protocol: unknown message shape")
	ErrInvalidCommand    = errors.New("protocol: invalid command")
	ErrRemote            = errors.New("protocol: remote error")
)

// ParseError reports where in a frame the grammar failed.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: parse error at offset %d: %s", e.Offset, e.Reason)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, ErrProtocol}
}
