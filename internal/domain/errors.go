package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrUnauthenticated  = errors.New("authentication required")
	ErrAlreadyMember    = errors.New("user is already a member")
	ErrInvalidTarget    = errors.New("invalid target member")
	ErrTerminalState    = errors.New("task has no next status")
	ErrInviteNotFound   = errors.New("invite not found")
)

// ValidationError names the offending field. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }
