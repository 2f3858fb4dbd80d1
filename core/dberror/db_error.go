// Package dberror defines the error taxonomy surfaced by the storage engine.
// Every error carries a stable numeric Code that outer layers translate into
// user facing messages.
package dberror

import (
	"errors"
	"fmt"
)

// Code classifies an engine error.
type Code int

const (
	CodeUnknown              Code = 0
	CodeIOFailure            Code = 101
	CodeStructuralCorruption Code = 102
	CodeConstraintViolation  Code = 110
	CodeConcurrencyTimeout   Code = 120
	CodeStateError           Code = 130
	CodeCapacityExceeded     Code = 140
)

func (c Code) String() string {
	switch c {
	case CodeIOFailure:
		return "IOFailure"
	case CodeStructuralCorruption:
		return "StructuralCorruption"
	case CodeConstraintViolation:
		return "ConstraintViolation"
	case CodeConcurrencyTimeout:
		return "ConcurrencyTimeout"
	case CodeStateError:
		return "StateError"
	case CodeCapacityExceeded:
		return "CapacityExceeded"
	default:
		return "Unknown"
	}
}

// Error is a coded engine error. Sentinels below are *Error values; call sites
// wrap them with fmt.Errorf("%w: ...") to add context.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Code, int(e.Code), e.Msg, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, int(e.Code), e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error around an optional cause.
func New(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

// --- Error Definitions ---

var (
	// IOFailure
	ErrIO = New(CodeIOFailure, "i/o error", nil)

	// StructuralCorruption
	ErrChecksumMismatch   = New(CodeStructuralCorruption, "page checksum mismatch, data corruption suspected", nil)
	ErrInvalidHeader      = New(CodeStructuralCorruption, "invalid file header magic or version", nil)
	ErrUnexpectedPageType = New(CodeStructuralCorruption, "unexpected page type", nil)
	ErrInvalidPageData    = New(CodeStructuralCorruption, "invalid page data", nil)

	// ConstraintViolation
	ErrDuplicateKey     = New(CodeConstraintViolation, "duplicate key in unique index", nil)
	ErrInvalidID        = New(CodeConstraintViolation, "invalid _id value", nil)
	ErrInvalidName      = New(CodeConstraintViolation, "invalid collection or index name", nil)
	ErrInvalidIndexKey  = New(CodeConstraintViolation, "invalid index key", nil)
	ErrCollectionExists = New(CodeConstraintViolation, "collection already exists", nil)
	ErrIndexExists      = New(CodeConstraintViolation, "index already exists with a different definition", nil)
	ErrInvalidDocument  = New(CodeConstraintViolation, "invalid document", nil)
	ErrPrimaryIndexDrop = New(CodeConstraintViolation, "primary key index cannot be dropped", nil)

	// ConcurrencyTimeout
	ErrLockTimeout = New(CodeConcurrencyTimeout, "lock not acquired within timeout", nil)

	// StateError
	ErrTransactionState   = New(CodeStateError, "transaction is in an invalid state for this operation", nil)
	ErrReadOnly           = New(CodeStateError, "database is opened in read-only mode", nil)
	ErrEngineClosed       = New(CodeStateError, "engine is closed", nil)
	ErrInvalidPassword    = New(CodeStateError, "invalid password", nil)
	ErrCollectionNotFound = New(CodeStateError, "collection not found", nil)
	ErrIndexNotFound      = New(CodeStateError, "index not found", nil)
	ErrInvalidPragma      = New(CodeStateError, "invalid pragma", nil)

	// CapacityExceeded
	ErrIndexKeyTooLong  = New(CodeCapacityExceeded, "index key exceeds maximum length", nil)
	ErrDocumentTooLarge = New(CodeCapacityExceeded, "document exceeds maximum size", nil)
	ErrIndexLimit       = New(CodeCapacityExceeded, "too many indexes in collection", nil)
	ErrNameTooLong      = New(CodeCapacityExceeded, "name exceeds maximum length", nil)
	ErrCollectionLimit  = New(CodeCapacityExceeded, "header has no room for more collections", nil)
	ErrFileSizeExceeded = New(CodeCapacityExceeded, "data file reached its page limit", nil)
	ErrPageFull         = New(CodeCapacityExceeded, "page has no room for the item", nil)
)

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IO wraps an operating system error as an IOFailure.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
