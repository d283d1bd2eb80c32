package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Terminal Specific Errors
	ErrTerminalInit     = errors.New("terminal initialization failed")
	ErrAuthFailed       = errors.New("terminal login failed (check credentials)")
	ErrConnectionFailed = errors.New("failed to reach the terminal bridge")
	ErrDriverTransient  = errors.New("transient terminal driver failure")
	ErrHistoryMiss      = errors.New("position not yet present in terminal history")
	ErrAccountInfo      = errors.New("failed to retrieve account information")

	// Smart Queue Errors
	ErrQueueFull     = errors.New("poll request queue is full")
	ErrCallerTimeout = errors.New("timed out waiting for positions refresh")
)
