package entity

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCredential    = errors.New("credential error")
	ErrConnection    = errors.New("connection error")
	ErrDecode        = errors.New("decode error")
	ErrTimeout       = errors.New("timeout")
	ErrGatewayClosed = errors.New("gateway is closed")
	ErrNormalClosure = errors.New("connection closed normally")
	ErrInvalidSymbol = errors.New("symbol is required")
)

// CredentialError is returned when the auth call failed or the venue
// answered with an application error.
type CredentialError struct {
	Code    string
	Message string
	Err     error
}

func (e *CredentialError) Error() string {
	switch {
	case e.Err != nil && e.Code != "":
		return fmt.Sprintf("credential: rt_cd=%s %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("credential: %v", e.Err)
	case e.Code != "":
		return fmt.Sprintf("credential: rt_cd=%s %s", e.Code, e.Message)
	default:
		return "credential: " + e.Message
	}
}

func (e *CredentialError) Unwrap() error { return e.Err }

func (e *CredentialError) Is(target error) bool { return target == ErrCredential }

type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// DecodeError marks a frame that could not be split into a usable record.
// Individual field failures never produce one.
type DecodeError struct {
	Reason string
	Frame  string
}

func (e *DecodeError) Error() string {
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64] + "..."
	}
	return fmt.Sprintf("decode: %s (frame=%q)", e.Reason, frame)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
