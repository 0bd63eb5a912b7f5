package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrNotPending    = errors.New("record is not awaiting a decision")
	ErrInvalidFilter = errors.New("invalid filter")
)
