package interfaces

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the instance manager wraps exactly one
// of these, so callers can branch with errors.Is.
var (
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrHardwareQuery = errors.New("hardware query failed")
	ErrLaunchFailed  = errors.New("launch failed")
	ErrBrokerIO      = errors.New("broker i/o error")
)

var (
	ErrDirectoryConflict = fmt.Errorf("%w: instance directory already exists", ErrConflict)

	ErrComposeFileMissing    = fmt.Errorf("%w: compose file", ErrNotFound)
	ErrManifestNotFound      = fmt.Errorf("%w: vm manifest", ErrNotFound)
	ErrImageMetadataNotFound = fmt.Errorf("%w: image metadata", ErrNotFound)

	ErrInvalidPortMapping      = fmt.Errorf("%w: invalid port mapping", ErrValidation)
	ErrInvalidGpuMode          = fmt.Errorf("%w: invalid GPU attach mode", ErrValidation)
	ErrInvalidSize             = fmt.Errorf("%w: invalid size", ErrValidation)
	ErrUnsupportedRootfsFormat = fmt.Errorf("%w: unsupported rootfs image format", ErrValidation)

	ErrBodyTooLarge      = fmt.Errorf("%w: body too large", ErrBrokerIO)
	ErrTruncatedResponse = fmt.Errorf("%w: connection closed prematurely", ErrBrokerIO)
)
