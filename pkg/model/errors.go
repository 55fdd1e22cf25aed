package model

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotMember    = errors.New("not a member of chat")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("invalid payload")
	ErrConflict     = errors.New("already exists")
)

// Wire codes carried in error frames and HTTP error bodies.
const (
	CodeUnauthorized = "unauthorized"
	CodeNotMember    = "not_member"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeValidation   = "validation"
	CodeConflict     = "conflict"
	CodeInternal     = "internal"
)

// ErrorCode classifies err into one of the wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotMember):
		return CodeNotMember
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}
