package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ferdianto22/parking-system/internal/billing"
)

// Виды ошибок сервиса. Проверяются через errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrDuplicateSession   = errors.New("duplicate session")
	ErrNotFound           = errors.New("not found")
	ErrInfrastructure     = errors.New("infrastructure error")
	ErrClockSkew          = billing.ErrClockSkew
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Error описывает ошибку операции с видом и сообщением для пользователя.
type Error struct {
	Kind    error
	Message string
	// Plate заполняется для ошибок, связанных с конкретным номером.
	Plate string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

// Unwrap позволяет сопоставлять ошибку и с видом, и с исходной причиной.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func validationError(msg string) error {
	return &Error{Kind: ErrValidation, Message: msg}
}

func notFoundError(msg string) error {
	return &Error{Kind: ErrNotFound, Message: msg}
}

func duplicateError(plate string, err error) error {
	return &Error{
		Kind:    ErrDuplicateSession,
		Message: fmt.Sprintf("vehicle %s is already parked", plate),
		Plate:   plate,
		Err:     err,
	}
}

func infraError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrInfrastructure, Message: op + ": storage timed out", Err: err}
	}
	return &Error{Kind: ErrInfrastructure, Message: op + ": storage unavailable", Err: err}
}

// Message возвращает текст ошибки, пригодный для показа пользователю.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
