// Package errs classifies errors into the supervisor's failure taxonomy:
// transient (retry with backoff), permanent per action, permanent per
// project, and fatal.
package errs

import (
	"context"
	"errors"
	"net"
)

// Kind is a failure class.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanentAction
	KindPermanentProject
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanentAction:
		return "permanent_action"
	case KindPermanentProject:
		return "permanent_project"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError attaches a Kind to an underlying error.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks err as retryable. Nil stays nil.
func Transient(err error) error { return wrap(KindTransient, err) }

// PermanentAction marks err as a failure of a single action.
func PermanentAction(err error) error { return wrap(KindPermanentAction, err) }

// PermanentProject marks err as a failure that should quarantine the project.
func PermanentProject(err error) error { return wrap(KindPermanentProject, err) }

// Fatal marks err as a startup-aborting failure.
func Fatal(err error) error { return wrap(KindFatal, err) }

func wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: k, Err: err}
}

// KindOf returns the outermost classification of err. Context deadlines and
// network timeouts are transient even when unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsFatal reports whether err should abort startup.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }
