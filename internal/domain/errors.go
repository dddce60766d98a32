package domain

import (
	"errors"
	"fmt"
	"strings"
)

type NotFoundError struct {
	Resource string
	ID       any
	Err      error
}

func (e NotFoundError) Error() string {
	switch {
	case e.Resource == "":
		return "not found"
	case e.ID != nil:
		return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
	default:
		return fmt.Sprintf("%s not found", e.Resource)
	}
}

func (e NotFoundError) Unwrap() error { return e.Err }

type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e ValidationError) Error() string {
	if e.Msg != "" && e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return "validation error"
}

func (e ValidationError) Unwrap() error { return e.Err }

// ConflictError reports a violated uniqueness or scheduling rule. The same
// error is produced by the application pre-checks and by the storage guards.
type ConflictError struct {
	Resource string
	Msg      string
	Err      error
}

func (e ConflictError) Error() string {
	switch {
	case e.Msg != "" && e.Resource != "":
		return fmt.Sprintf("%s conflict: %s", e.Resource, e.Msg)
	case e.Msg != "":
		return e.Msg
	case e.Resource != "":
		return fmt.Sprintf("%s conflict", e.Resource)
	default:
		return "conflict"
	}
}

func (e ConflictError) Unwrap() error { return e.Err }

type InvalidTransitionError struct {
	Entity  string
	Current string
	Target  string
	Allowed []string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition %q -> %q, allowed: [%s]",
		e.Entity, e.Current, e.Target, strings.Join(e.Allowed, ", "))
}

type ForbiddenError struct {
	ActorID   int64
	Operation string
	Role      string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("actor %d is not allowed to %s", e.ActorID, e.Operation)
	}
	return fmt.Sprintf("actor %d with role %s is not allowed to %s", e.ActorID, e.Role, e.Operation)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

func IsInvalidTransition(err error) bool {
	var target InvalidTransitionError
	return errors.As(err, &target)
}

func IsForbidden(err error) bool {
	var target ForbiddenError
	return errors.As(err, &target)
}
