package delivery

import (
	"errors"
	"fmt"

	"dm-service/internal/repositories"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrPersistence = errors.New("persistence failed")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrConflict    = errors.New("conflict")
)

// Codes reported in ws error events.
const (
	CodeValidation  = "validation"
	CodePersistence = "persistence"
	CodeNotFound    = "not_found"
	CodeForbidden   = "forbidden"
	CodeConflict    = "conflict"
)

// ErrorCode maps a coordinator error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodePersistence
	}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeError classifies a repository error. Anything unrecognised is a persistence failure.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound),
		errors.Is(err, repositories.ErrUserNotFound),
		errors.Is(err, repositories.ErrMessageNotFound),
		errors.Is(err, repositories.ErrNoFriendRequest):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repositories.ErrFriendRequestExists),
		errors.Is(err, repositories.ErrAlreadyFriends),
		errors.Is(err, repositories.ErrEmailTaken):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, repositories.ErrSelfFriendRequest):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
}
