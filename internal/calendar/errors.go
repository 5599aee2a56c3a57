package calendar

import (
	"errors"
	"fmt"
)

// Kind classifies a client failure.
type Kind string

const (
	// KindTransient covers network and rate-limit failures; retried next pass.
	KindTransient Kind = "TRANSIENT"
	// KindNotFound means the external id is stale.
	KindNotFound Kind = "NOT_FOUND"
	// KindValidation means the payload was rejected as malformed.
	KindValidation Kind = "VALIDATION"
	// KindPermanent is anything else.
	KindPermanent Kind = "PERMANENT"
)

// Error is returned by every Client implementation.
type Error struct {
	Kind       Kind
	Op         string
	Calendar   string
	ExternalID string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("calendar %s %s", e.Op, e.Kind)
	if e.Calendar != "" {
		msg += " (calendar=" + e.Calendar
		if e.ExternalID != "" {
			msg += ", id=" + e.ExternalID
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error wrapping a formatted cause.
func Errorf(kind Kind, op, calendar, externalID, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Calendar: calendar, ExternalID: externalID, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or KindPermanent for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindPermanent
}

func IsNotFound(err error) bool   { return err != nil && KindOf(err) == KindNotFound }
func IsTransient(err error) bool  { return err != nil && KindOf(err) == KindTransient }
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
