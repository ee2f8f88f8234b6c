package domain

import "fmt"

// Sentinel errors for the domain layer.
var (
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrNotConfigured   = fmt.Errorf("retrieval not configured")
	ErrProviderError   = fmt.Errorf("provider error")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrThreadNotFound  = fmt.Errorf("thread not found")
	ErrMessageNotFound = fmt.Errorf("message not found")
	ErrBusy            = fmt.Errorf("a request is already in flight")
	ErrStoreFailed     = fmt.Errorf("thread store operation failed")
)
