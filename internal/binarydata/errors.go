package binarydata

import "errors"

var (
	ErrAlreadyInitialized = errors.New("binary data manager already initialized")
	ErrNotInitialized     = errors.New("binary data manager not initialized")

	// ErrStorageUnavailable is returned when an identifier's mode has no
	// enabled backend, e.g. after a restart with a different configuration.
	ErrStorageUnavailable = errors.New("storage mode used to store binary data not available")

	// ErrNotFound is returned by backends when a key is unknown or deleted.
	ErrNotFound = errors.New("binary data not found")

	// ErrUnknownMode is returned when an enabled mode has no registered factory.
	ErrUnknownMode = errors.New("unknown binary data mode")
)
