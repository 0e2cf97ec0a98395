package store

import "errors"

var (
	// ErrNotFound reports that the row does not exist (or vanished between a
	// read and a conditional write).
	ErrNotFound = errors.New("not found")
	// ErrVersionMismatch reports that a conditional write was rejected because
	// the row's version no longer equals the expected one.
	ErrVersionMismatch = errors.New("version mismatch")
)
