package client

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindGeneric        ErrorKind = "generic"
	KindAuthentication ErrorKind = "authentication"
	KindNetwork        ErrorKind = "network"
	KindRateLimit      ErrorKind = "rate_limit"
	KindTimeout        ErrorKind = "timeout"
	KindAccountExists  ErrorKind = "account_exists"
)

// Error is the failure shape every client operation reports. Op names the
// operation that failed so the message survives into last_error with
// enough context for classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindGeneric
}

func IsRateLimit(err error) bool {
	return KindOf(err) == KindRateLimit
}

func IsAccountExists(err error) bool {
	return KindOf(err) == KindAccountExists
}

func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}
