// Package store persists pipeline runs and their target results.
package store

import (
	"errors"
	"strings"
)

var (
	ErrNotFound         = errors.New("run not found")
	ErrDuplicateID      = errors.New("run ID already exists")
	ErrConnectionFailed = errors.New("database unavailable")
	ErrMigrationFailed  = errors.New("schema migration failed")
	// ErrInvalidData marks a stored row that no longer decodes into a run,
	// e.g. an image column written by hand.
	ErrInvalidData = errors.New("stored run is corrupt")
	ErrTxFailed    = errors.New("transaction failed")
)

// StoreError is returned by every Store method. Entity is "run" or
// "target_result"; ID is the run ID when one is known.
type StoreError struct {
	Op      string
	Entity  string
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString("store: ")
	b.WriteString(e.Op)
	for _, part := range []string{e.Entity, e.ID} {
		if part != "" {
			b.WriteByte(' ')
			b.WriteString(part)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}
