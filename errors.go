package chatsock

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a per-frame failure.
type ErrorKind int

const (
	// KindNone means the error is not a dispatch failure.
	KindNone ErrorKind = iota
	// KindMalformedPayload is a frame that is not a syntactically valid document.
	KindMalformedPayload
	// KindInvalidEnvelope is a valid document without an integer msgid.
	KindInvalidEnvelope
	// KindUnknownHandler is a valid envelope whose msgid has no handler.
	KindUnknownHandler
	// KindConnectionFraming is an unterminated frame larger than the frame limit.
	// It is the only kind that ends the connection.
	KindConnectionFraming
)

// Sentinel errors, one per kind. A *DecodeError matches its kind's sentinel with errors.Is.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrUnknownHandler   = errors.New("unknown handler")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size without terminator")
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedPayload:
		return "malformed_payload"
	case KindInvalidEnvelope:
		return "invalid_envelope"
	case KindUnknownHandler:
		return "unknown_handler"
	case KindConnectionFraming:
		return "connection_framing"
	default:
		return "none"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindMalformedPayload:
		return ErrMalformedPayload
	case KindInvalidEnvelope:
		return ErrInvalidEnvelope
	case KindUnknownHandler:
		return ErrUnknownHandler
	case KindConnectionFraming:
		return ErrFrameTooLarge
	default:
		return nil
	}
}

// DecodeError reports why a frame could not be turned into a dispatched message.
type DecodeError struct {
	Kind ErrorKind
	// MsgID is set for KindUnknownHandler.
	MsgID int
	// Err is the underlying cause, if any.
	Err error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Kind == KindUnknownHandler:
		return fmt.Sprintf("%s: msgid %d", e.Kind.sentinel(), e.MsgID)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind.sentinel(), e.Err)
	default:
		return e.Kind.sentinel().Error()
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *DecodeError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the ErrorKind carried by err, or KindNone.
func KindOf(err error) ErrorKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrFrameTooLarge) {
		return KindConnectionFraming
	}
	return KindNone
}
