// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking)
// or an attempt to resolve an already-resolved record.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed domain validation.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates an event is not valid for the instance's
// current state. Duplicate or stale deliveries surface as this error.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrUnavailable indicates the persistence collaborator is unreachable.
var ErrUnavailable = errors.New("service unavailable")
