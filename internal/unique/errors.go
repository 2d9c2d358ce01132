package unique

import "errors"

var (
	// ErrInvalidState is returned when an operation does not fit the
	// engine's lifecycle: adding or consuming after results were consumed,
	// using an engine after a failed flush or merge, or after Close.
	ErrInvalidState = errors.New("unique: invalid state")

	// ErrIO wraps scratch file read and write failures.
	ErrIO = errors.New("unique: scratch i/o")

	// ErrOutOfMemory is returned when a merge buffer or result array cannot
	// be sized.
	ErrOutOfMemory = errors.New("unique: out of memory")

	// ErrKeySize is returned for keys whose length differs from KeySize.
	ErrKeySize = errors.New("unique: wrong key size")
)
