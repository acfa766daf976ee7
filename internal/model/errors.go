package model

import "errors"

// Error kinds shared by every tier. Wrap them with fmt.Errorf("...: %w", err)
// and test with errors.Is.
var (
	// ErrStorageUnavailable means a tier's backing store could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrEncryption means a key mismatch or corrupt ciphertext.
	ErrEncryption = errors.New("encryption error")

	// ErrSerialization means a snapshot could not be encoded or decoded.
	ErrSerialization = errors.New("serialization error")

	ErrEmptyContent    = errors.New("content must not be empty")
	ErrInvalidPriority = errors.New("priority must be within [0, 1]")

	// ErrNotFound is returned when a long-term row id does not exist.
	ErrNotFound = errors.New("memory not found")
)
