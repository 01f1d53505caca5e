package protocol

import (
	"errors"
	"fmt"
)

// Frame errors: decode-time, the frame is dropped and never retried.
var (
	ErrInvalidMagic    = errors.New("protocol: invalid magic")
	ErrTruncatedFrame  = errors.New("protocol: truncated frame")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrInvalidAddress  = errors.New("protocol: invalid address")
)

// Address errors: the assignment is aborted and the device keeps its state.
var (
	ErrAddressSpaceExhausted = errors.New("protocol: address space exhausted")
	ErrMacMismatch           = errors.New("protocol: mac mismatch")
	ErrAddressInUse          = errors.New("protocol: address in use")
	ErrUnknownDevice         = errors.New("protocol: unknown device")
)

// Timeout errors.
var (
	ErrAckMissing = errors.New("protocol: ack missing")
)

// ErrRejected marks a command the peer answered with a non-OK ACK status.
var ErrRejected = errors.New("protocol: rejected by peer")

// Protocol violations: the frame is dropped and logged.
var (
	ErrWrongDirection     = errors.New("protocol: wrong direction")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrInvalidPayload     = errors.New("protocol: invalid payload")
)

// Profile errors: an assembly is discarded or left pending, never activated partially.
var (
	ErrOutOfOrderNode     = errors.New("protocol: out of order profile node")
	ErrIncompleteAssembly = errors.New("protocol: incomplete profile assembly")
	ErrStaleProfile       = errors.New("protocol: stale profile id")
)

// Category groups errors the way callers react to them.
type Category string

const (
	CategoryNone      Category = ""
	CategoryFrame     Category = "frame"
	CategoryAddress   Category = "address"
	CategoryTimeout   Category = "timeout"
	CategoryRejected  Category = "rejected"
	CategoryViolation Category = "violation"
	CategoryProfile   Category = "profile"
	CategoryOther     Category = "other"
)

var categories = []struct {
	cat  Category
	errs []error
}{
	{CategoryFrame, []error{ErrInvalidMagic, ErrTruncatedFrame, ErrPayloadTooLarge, ErrInvalidAddress}},
	{CategoryAddress, []error{ErrAddressSpaceExhausted, ErrMacMismatch, ErrAddressInUse, ErrUnknownDevice}},
	{CategoryTimeout, []error{ErrAckMissing}},
	{CategoryRejected, []error{ErrRejected}},
	{CategoryViolation, []error{ErrWrongDirection, ErrUnknownMessageType, ErrInvalidPayload}},
	{CategoryProfile, []error{ErrOutOfOrderNode, ErrIncompleteAssembly, ErrStaleProfile}},
}

// CategoryOf returns the taxonomy bucket of err.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	for _, c := range categories {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.cat
			}
		}
	}
	return CategoryOther
}

// Violation carries the header context of a dropped frame.
type Violation struct {
	Src  Address
	Dst  Address
	Type byte
	Err  error
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%v: type=0x%02x src=%s dst=%s", v.Err, v.Type, v.Src, v.Dst)
}

func (v *Violation) Unwrap() error {
	return v.Err
}
