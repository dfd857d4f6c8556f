package dsm

import "errors"

// The status vocabulary of the public operations. Callers match these with
// errors.Is; returned errors wrap them with rank and block context.
var (
	// ErrInvalidPosition is returned for nil buffers, negative or
	// zero-length ranges, and out-of-range block ids.
	ErrInvalidPosition = errors.New("dsm: invalid position")

	// ErrInvalidSize is returned when pos+len exceeds the address space.
	// It is detected before any sub-operation runs, so no partial write
	// has occurred.
	ErrInvalidSize = errors.New("dsm: invalid size")

	// ErrBlockNotFound is returned when a peer is asked for a block it
	// does not own.
	ErrBlockNotFound = errors.New("dsm: block not found")

	// ErrCommunication covers transport failures, exhausted response
	// waits, and failed dirty write-backs. The block layer does not
	// retry; callers should treat it as fatal to the operation.
	ErrCommunication = errors.New("dsm: communication failure")

	// ErrMemory is returned when backing allocation fails during init.
	ErrMemory = errors.New("dsm: allocation failure")

	// ErrInvalidProcess is returned for bad configurations and
	// peer-count mismatches at init.
	ErrInvalidProcess = errors.New("dsm: invalid process")
)
