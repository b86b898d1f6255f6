package types

import "errors"

// Error kinds shared by the version tree and the tiered buffer. Call sites wrap
// these with detail; callers classify with errors.Is.
var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrCannotExceedLimit = errors.New("cannot exceed limit")
	ErrNoSuchElement     = errors.New("no such element")
	ErrParsing           = errors.New("parsing error")
	ErrFilesystemIO      = errors.New("filesystem io error")
	ErrUninitialised     = errors.New("uninitialised")
)
