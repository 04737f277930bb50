package task

import "errors"

var (
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already finished")
	ErrValidation      = errors.New("invalid submission")

	// errInvalidTransition guards the state machine inside Store.Update.
	errInvalidTransition = errors.New("invalid status transition")
	errCancelled         = errors.New("task cancelled")
	errSkip              = errors.New("skip")
)

// Error kinds recorded on TaskError.Kind.
const (
	KindNotFound        = "NotFound"
	KindAlreadyTerminal = "AlreadyTerminal"
	KindInvalidModel    = "InvalidModel"
	KindProviderError   = "ProviderError"
	KindValidationError = "ValidationError"
)
