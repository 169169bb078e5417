// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's error taxonomy. Entity-level errors
// are aggregated into the per-cycle report; only ErrUnavailable and
// ErrCorruptStore abort a running cycle outright.
var (
	// ErrUnavailable means the remote store is not reachable or the account
	// is unavailable. Non-fatal: triggers queuing, retried on the next cycle.
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrRecordNotFound is returned by RemoteStore.FetchRecord on a miss.
	ErrRecordNotFound = errors.New("record not found")

	// ErrCorruptStore means the local store is unreadable or contains data
	// the mapper cannot interpret. Fatal to the current cycle and reported
	// distinctly from connectivity errors so the caller can offer a full
	// re-pull instead of a retry.
	ErrCorruptStore = errors.New("local store corrupt")

	// ErrCycleInProgress is returned when RunCycle is requested while
	// another cycle is already running.
	ErrCycleInProgress = errors.New("sync cycle already in progress")

	// ErrUnrepairedAssignment means an assignment's template reference does
	// not resolve locally; the assignment is excluded from completeness
	// calculations until the template is re-synced.
	ErrUnrepairedAssignment = errors.New("assignment template not resolvable")
)

// TransientError marks a single-record fetch/write failure (timeout, version
// mismatch). The entity is skipped for the current cycle and picked up again
// via its lastModified on the next one.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient record error or an
// unavailability error, both of which warrant a later retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrUnavailable)
}

// EntityError records a single entity's failure inside a cycle report.
type EntityError struct {
	EntityType string
	EntityID   string
	Err        error
}

func (e EntityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.EntityType, e.EntityID, e.Err)
}
