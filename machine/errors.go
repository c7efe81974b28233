package machine

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/verification"
)

var (
	ErrMissingOutboundSession = errors.New("machine: no outbound group session for room, share the room key first")
	ErrMissingSigningKey      = errors.New("machine: private cross-signing key not available")
	ErrUnknownRequest         = errors.New("machine: unknown request id")
	ErrUnknownDevice          = errors.New("machine: unknown device")
	ErrUnknownIdentity        = errors.New("machine: unknown user identity")

	ErrFlowNotActive = verification.ErrFlowNotActive
	ErrUnknownFlow   = verification.ErrUnknownFlow
)

// StoreError wraps a failure of the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("machine: store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ResponseError is returned by MarkRequestAsSent when a response body does not parse as the
// declared request type. Nothing is changed when it is returned.
type ResponseError struct {
	Type RequestType
	Err  error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("machine: invalid %s response: %v", e.Type, e.Err)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

type DecryptionErrorKind int

const (
	// the room key is unknown, a key request may fix it
	MissingRoomKey DecryptionErrorKind = iota
	// the room key is known but only from a later index
	UnknownMessageIndex
	Malformed
	UnsupportedAlgorithm
	// the message index was already used by another event
	Replay
	// the decrypted event claims another room or sender
	Mismatch
)

func (k DecryptionErrorKind) String() string {
	switch k {
	case MissingRoomKey:
		return "missing room key"
	case UnknownMessageIndex:
		return "unknown message index"
	case Malformed:
		return "malformed"
	case UnsupportedAlgorithm:
		return "unsupported algorithm"
	case Replay:
		return "replay"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

type DecryptionError struct {
	Kind DecryptionErrorKind
	Err  error
}

func (e *DecryptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("machine: decryption failed: %s", e.Kind)
	}
	return fmt.Sprintf("machine: decryption failed: %s: %v", e.Kind, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether receiving the room key later would allow decryption.
func (e *DecryptionError) Recoverable() bool {
	return e.Kind == MissingRoomKey || e.Kind == UnknownMessageIndex
}

func decryptionErr(kind DecryptionErrorKind, err error) error {
	return &DecryptionError{Kind: kind, Err: err}
}
