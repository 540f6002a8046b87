package translate

import "errors"

var (
	// ErrShutdown reports an operation after Close.
	ErrShutdown = errors.New("translate: engine is shut down")

	// ErrInvalidArgument reports a misaligned offset or length.
	ErrInvalidArgument = errors.New("translate: offset and length must be sector-aligned")

	// ErrEngineFailed reports that a background upload failed and the
	// engine has stopped accepting work.
	ErrEngineFailed = errors.New("translate: engine failed")
)
