// Package common defines shared constants and sentinel errors used across
// the Atlas server layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict marks an optimistic-concurrency failure: the record
	// changed between the caller's read and write. Callers re-read and
	// re-apply their update.
	ErrConflict = errors.New("concurrent modification")

	// ErrPersistence marks a failed store write. Callers must not assume a
	// partial write succeeded; any credential provisioned in the same
	// operation has to be rolled back.
	ErrPersistence = errors.New("persistence error")

	// Service-level errors.
	ErrInternal   = errors.New("internal error")
	ErrValidation = errors.New("validation error")

	// Credential lifecycle errors.
	ErrProvisioning = errors.New("credential provisioning error")
	ErrRevocation   = errors.New("revocation error")
)
