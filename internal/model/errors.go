package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the service, the HTTP layer and the client.
var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidState          = errors.New("attempt is not in progress")
	ErrAttemptExpired        = errors.New("attempt deadline has passed")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrAlreadySubmitted      = fmt.Errorf("%w: attempt already submitted", ErrConflict)
	ErrNotEligible           = errors.New("candidate is not eligible")
	ErrExamClosed            = fmt.Errorf("%w: exam is closed", ErrInvalidState)
	ErrInsufficientQuestions = errors.New("not enough active questions")
)
