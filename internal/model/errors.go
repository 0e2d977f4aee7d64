package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported to clients.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindPersistence    ErrorKind = "persistence"
	KindAuthentication ErrorKind = "authentication"
	KindInternal       ErrorKind = "internal"
)

// Error is a classified failure of one operation.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error for op.
func Validation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// NotFound returns a not-found error for op.
func NotFound(op, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// Persistence wraps a storage failure.
func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Message: "storage failure", Err: err}
}

// Authentication returns a handshake failure.
func Authentication(message string) error {
	return &Error{Kind: KindAuthentication, Op: "handshake", Message: message}
}

// KindOf returns the kind of err, or KindInternal for unclassified
// errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the text safe to show to a client. Storage and
// internal failures are not described in detail.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindPersistence:
		return "failed to store message"
	case KindInternal:
		return "internal error"
	}
	return e.Message
}
