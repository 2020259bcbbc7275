// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coreerr defines the error taxonomy shared by the entity store,
// pipeline engine, and chat orchestrator (spec §7): validation, conflict,
// not-found, storage, transient-provider, and logic-evaluation errors.
// Each is a distinct type so callers can use errors.As to branch on kind
// without string matching.
package coreerr

import "fmt"

// ValidationError reports malformed input: a bad expression, a missing
// required field, a duplicate step id, an edge referencing an unknown step.
// Surfaced to the caller without mutating any state.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Subject, e.Reason)
}

func NewValidationError(subject, reason string) *ValidationError {
	return &ValidationError{Subject: subject, Reason: reason}
}

// ConflictError reports an OCC hash mismatch detected during a Unit of Work
// commit. The caller must reload and retry.
type ConflictError struct {
	EntityID string
	Path     string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on entity %s (%s): expected content_hash %s, found %s",
		e.EntityID, e.Path, e.Expected, e.Actual)
}

// NotFoundError reports a lookup that found nothing: a missing pipeline run,
// a missing entity, a missing chat session.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// StorageError reports a filesystem or relational write failure. The
// surrounding Unit of Work must abort entirely and roll back temp files.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// TransientProviderError reports an embedding or chat-model call failure.
// Callers capture it into payload/fallback rather than propagating it as a
// fatal error — see spec §7's "Transient provider error" handling.
type TransientProviderError struct {
	Provider string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error (%s): %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// LogicEvalError reports a malformed or disallowed condition expression.
// IF_ELSE treats this as false; LOOP treats this as exit-met.
type LogicEvalError struct {
	Expression string
	Reason     string
}

func (e *LogicEvalError) Error() string {
	return fmt.Sprintf("logic evaluation error in %q: %s", e.Expression, e.Reason)
}
