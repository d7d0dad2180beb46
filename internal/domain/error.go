package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrCompletionFailed   = errors.New("completion service could not process the request")
	ErrInvalidExecContext = errors.New("invalid execution context")
)
