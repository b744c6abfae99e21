package objstore

import (
	"context"
	"errors"
)

// Object store error types.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrThrottled      = errors.New("request throttled")
	ErrObjectTooLarge = errors.New("object too large")
	ErrInvalidRequest = errors.New("invalid request")
	ErrObjectChanged  = errors.New("object changed during transfer")
)

// Kind classifies a failure for diagnostics and retry expectations.
type Kind string

const (
	KindNone      Kind = ""
	KindParse     Kind = "parse"
	KindNotFound  Kind = "not_found"
	KindAccess    Kind = "access"
	KindTransient Kind = "transient"
	KindRejected  Kind = "rejected"
)

// Retryable reports whether redelivery is expected to succeed without
// operator intervention.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Severity orders kinds so a message with several failures reports the one
// an operator most needs to see.
func (k Kind) Severity() int {
	switch k {
	case KindAccess:
		return 5
	case KindRejected:
		return 4
	case KindNotFound:
		return 3
	case KindParse:
		return 2
	case KindTransient:
		return 1
	default:
		return 0
	}
}

// Classify maps an error returned by a Store into a Kind.
// Unknown errors are treated as transient so redelivery gets a chance.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrObjectNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrBucketNotFound):
		// A missing bucket is a configuration problem, not a race.
		return KindAccess
	case errors.Is(err, ErrObjectTooLarge), errors.Is(err, ErrInvalidRequest):
		return KindRejected
	case errors.Is(err, ErrThrottled),
		errors.Is(err, ErrObjectChanged),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransient
	default:
		return KindTransient
	}
}
