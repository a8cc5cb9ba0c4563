package mdip

import (
	"errors"
	"fmt"
)

var (
	// Malformed DID string, or a well-formed DID with no events.
	ErrInvalidDID = errors.New("Invalid DID")

	// Structural, size, signature or chain failures. Returned wrapped with a reason.
	ErrInvalidOperation = errors.New("Invalid operation")

	// Bad call-site argument, e.g. an unknown registry name.
	ErrInvalidParameter = errors.New("Invalid parameter")

	// Returned by blob stores used before Start.
	ErrNotConnected = errors.New("not connected")
)

func invalidOperation(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, reason)
}

func invalidDID(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidDID, reason)
}

func invalidParameter(name string, value any) error {
	if value == nil || value == "" {
		return fmt.Errorf("%w: %s", ErrInvalidParameter, name)
	}
	return fmt.Errorf("%w: %s=%v", ErrInvalidParameter, name, value)
}
