package apperr

import "errors"

// Error kinds shared by the orders and payments sides. Callers wrap them with
// fmt.Errorf("...: %w", ...) and inspect with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("version conflict")
	ErrForbidden     = errors.New("forbidden")
	ErrDuplicate     = errors.New("duplicate outbox entry")
	ErrPoisonMessage = errors.New("poison message")
)
