package service

import (
	"errors"
	"fmt"
)

// Domain errors. Handlers map these to response codes with errors.Is.
var (
	ErrInvalidState        = errors.New("operation not allowed in current session status")
	ErrNotFound            = errors.New("not found")
	ErrAttemptsExhausted   = errors.New("run attempts exhausted")
	ErrSessionBlocked      = errors.New("session blocked by proctoring")
	ErrForbidden           = errors.New("session belongs to another student")
	ErrNotCodingQuestion   = errors.New("question is not a coding question")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrReservedAlertType   = errors.New("alert type collides with a session event")

	// ErrAlreadySubmitted is an ErrInvalidState; the caller still receives
	// the winning submission's result alongside it.
	ErrAlreadySubmitted = fmt.Errorf("%w: session already submitted", ErrInvalidState)
)
