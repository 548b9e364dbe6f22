// Package errors provides structured error types for the UV dispatch
// exchange.
//
// Every fallible operation in the core returns one of a closed set of
// error kinds. Handlers branch on Kind to decide whether to retry,
// recover locally, reject the input, or surface the failure to the
// process boundary.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its recovery policy.
type Kind int

const (
	// KindTransient errors may resolve on retry (bus timeout, KV
	// unavailable, lock contention).
	KindTransient Kind = iota

	// KindSemantic errors are expected protocol outcomes recovered
	// locally (CAS lost, row gone, unique-key conflict).
	KindSemantic

	// KindProtocol errors reject bad input (malformed payload,
	// paging without order-by, invalid configuration).
	KindProtocol

	// KindFatal errors are surfaced to the process boundary and stop
	// the component (endpoint bind failure, pool exhausted at boot).
	KindFatal
)

// String returns the kind name for log fields.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSemantic:
		return "semantic"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// DispatchError is a structured application error with a recovery kind
// and a machine-readable code.
type DispatchError struct {
	// Kind determines the recovery policy.
	Kind Kind

	// Code is a machine-readable error code (e.g. "CLAIM_LOST").
	Code string

	// Message is a human-readable error message.
	Message string

	// Err is the wrapped underlying error.
	Err error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// New creates a new DispatchError.
func New(kind Kind, code, message string) *DispatchError {
	return &DispatchError{Kind: kind, Code: code, Message: message}
}

// Wrap wraps an existing error into a DispatchError.
func Wrap(err error, kind Kind, code, message string) *DispatchError {
	return &DispatchError{Kind: kind, Code: code, Message: message, Err: err}
}

// Newf creates a new DispatchError with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *DispatchError {
	return &DispatchError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsDispatchError checks if an error is a DispatchError and returns it.
func AsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsKind reports whether err is a DispatchError of the given kind.
func IsKind(err error, kind Kind) bool {
	if de, ok := AsDispatchError(err); ok {
		return de.Kind == kind
	}
	return false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	if de, ok := AsDispatchError(err); ok {
		return de.Code == code
	}
	return false
}

// Transient error constructors.

// BusTimeout indicates a per-message send deadline expired.
func BusTimeout(message string) *DispatchError {
	return New(KindTransient, CodeBusTimeout, message)
}

// BusOverflow indicates the publisher queue is at capacity.
func BusOverflow(message string) *DispatchError {
	return New(KindTransient, CodeBusOverflow, message)
}

// KVUnavailable wraps a failed KV round-trip.
func KVUnavailable(err error) *DispatchError {
	return Wrap(err, KindTransient, CodeKVUnavailable, "kv store unavailable")
}

// DBDeadlock wraps a database deadlock.
func DBDeadlock(err error) *DispatchError {
	return Wrap(err, KindTransient, CodeDBDeadlock, "database deadlock")
}

// LockContended indicates the distributed lock is held elsewhere.
func LockContended(key string) *DispatchError {
	return Newf(KindTransient, CodeLockContended, "lock %s held by another acquirer", key)
}

// Semantic error constructors.

// ClaimLost indicates the claim CAS observed a stale version.
func ClaimLost(orderID int64) *DispatchError {
	return Newf(KindSemantic, CodeClaimLost, "order %d claimed by another vehicle", orderID)
}

// NotFound indicates a missing or tombstoned row or key.
func NotFound(message string) *DispatchError {
	return New(KindSemantic, CodeNotFound, message)
}

// Duplicate indicates a unique-key conflict.
func Duplicate(err error, message string) *DispatchError {
	return Wrap(err, KindSemantic, CodeDuplicate, message)
}

// Protocol error constructors.

// BadQuery indicates a malformed query (e.g. paging without order-by).
func BadQuery(message string) *DispatchError {
	return New(KindProtocol, CodeBadQuery, message)
}

// BadPayload wraps an un-parsable message body.
func BadPayload(err error, message string) *DispatchError {
	return Wrap(err, KindProtocol, CodeBadPayload, message)
}

// BadConfig indicates invalid configuration.
func BadConfig(message string) *DispatchError {
	return New(KindProtocol, CodeBadConfig, message)
}

// Fatal error constructors.

// EndpointBindFailed indicates a bus endpoint could not be bound.
func EndpointBindFailed(endpoint string, err error) *DispatchError {
	return Wrap(err, KindFatal, CodeEndpointBindFailed, fmt.Sprintf("bind endpoint %s", endpoint))
}

// PoolExhausted indicates the connection pool could not be established
// at startup.
func PoolExhausted(err error) *DispatchError {
	return Wrap(err, KindFatal, CodePoolExhausted, "connection pool exhausted at startup")
}
