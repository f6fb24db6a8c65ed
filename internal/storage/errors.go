package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every Backend implementation. Callers branch
// with errors.Is; implementations wrap these with operation context.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrNotOwner is returned when the entity exists but belongs to a
	// different owner. Terminal; never retried.
	ErrNotOwner = errors.New("storage: not owner")

	// ErrVersionConflict is returned when a conditional write declared an
	// expectedVersion that no longer matches the stored record. The record
	// exists; the caller's view is stale. Recoverable by reload-then-retry.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrInvalidIdentifier is returned for placeholder or malformed ids.
	// Never retried automatically.
	ErrInvalidIdentifier = errors.New("storage: invalid identifier")

	// ErrTransient marks failures that may succeed on a later attempt
	// (network, timeout). Retried on the scheduler's normal cadence.
	ErrTransient = errors.New("storage: transient failure")
)

// ErrQuotaExhausted marks local-capacity failures (disk full). It matches
// ErrTransient for reporting purposes, but schedulers must not auto-retry
// it, since a full device will not self-resolve.
var ErrQuotaExhausted = fmt.Errorf("storage: quota exhausted: %w", ErrTransient)
