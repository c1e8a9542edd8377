package rewards

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the rewards service.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrInsufficientCurrency = errors.New("insufficient currency")
	ErrEmptyRarityPool      = errors.New("empty rarity pool")
	ErrCredentialExpired    = errors.New("credential expired")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrDuplicateActivity    = errors.New("duplicate activity")
	ErrCardNotFound         = errors.New("card not found")
	ErrPackNotFound         = errors.New("pack opening not found")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidActivityID    = errors.New("invalid external activity id")
	ErrInvalidCardID        = errors.New("invalid card id")
	ErrInvalidPackID        = errors.New("invalid pack id")
	ErrInvalidRarity        = errors.New("invalid rarity")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
