package verification

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowNotActive is returned for any action on a flow that is done, cancelled or in a state
	// the action does not apply to.
	ErrFlowNotActive = errors.New("verification: flow not active")
	ErrUnknownFlow   = errors.New("verification: unknown flow")
	ErrInvalidEvent  = errors.New("verification: invalid event")
	ErrInvalidQrCode = errors.New("verification: invalid qr code")
	ErrUnsupported   = errors.New("verification: method not supported by both sides")
)

type CancelCode string

const (
	CancelUser                 CancelCode = "m.user"
	CancelTimeout              CancelCode = "m.timeout"
	CancelUnknownTransaction   CancelCode = "m.unknown_transaction"
	CancelUnknownMethod        CancelCode = "m.unknown_method"
	CancelUnexpectedMessage    CancelCode = "m.unexpected_message"
	CancelKeyMismatch          CancelCode = "m.key_mismatch"
	CancelUserMismatch         CancelCode = "m.user_mismatch"
	CancelInvalidMessage       CancelCode = "m.invalid_message"
	CancelAccepted             CancelCode = "m.accepted"
	CancelMismatchedCommitment CancelCode = "m.mismatched_commitment"
	CancelMismatchedSas        CancelCode = "m.mismatched_sas"
)

var cancelReasons = map[CancelCode]string{
	CancelUser:                 "The user cancelled the verification.",
	CancelTimeout:              "The verification process timed out.",
	CancelUnknownTransaction:   "The device does not know about the given transaction ID.",
	CancelUnknownMethod:        "The device can't agree on a method to use.",
	CancelUnexpectedMessage:    "The device received an unexpected message.",
	CancelKeyMismatch:          "The expected key did not match the verified one.",
	CancelUserMismatch:         "The expected user did not match the verified user.",
	CancelInvalidMessage:       "The message received was invalid.",
	CancelAccepted:             "A m.key.verification.request was accepted by a different device.",
	CancelMismatchedCommitment: "The hash commitment did not match.",
	CancelMismatchedSas:        "The short auth string did not match.",
}

// CancelInfo records why and by whom a flow was cancelled.
type CancelInfo struct {
	Code          CancelCode
	Reason        string
	CancelledByUs bool
}

func (c CancelInfo) String() string {
	by := "them"
	if c.CancelledByUs {
		by = "us"
	}
	return fmt.Sprintf("%s (%s) by %s", c.Code, c.Reason, by)
}

func ourCancel(code CancelCode) *CancelInfo {
	return &CancelInfo{Code: code, Reason: cancelReasons[code], CancelledByUs: true}
}

func theirCancel(c *CancelContent) *CancelInfo {
	return &CancelInfo{Code: c.Code, Reason: c.Reason, CancelledByUs: false}
}

func (c *CancelInfo) content() *CancelContent {
	return &CancelContent{Code: c.Code, Reason: c.Reason}
}
