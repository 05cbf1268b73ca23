package models

import "errors"

// Sentinel errors for the gateway's error taxonomy. The API handlers map
// them to status codes where they occur; retrieval failures go through
// respondRetrieveError.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrPolicyUnavailable = errors.New("policy-unavailable")
	ErrStoreUnavailable  = errors.New("store unavailable")
)
