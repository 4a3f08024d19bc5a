// Package apperr defines the categorised application errors shared by the
// engine, the HTTP surface and the CLI. Each error carries a stable category
// and code that clients can switch on.
package apperr

import (
	"errors"
	"fmt"
)

// Category groups errors by the kind of failure.
type Category string

const (
	CategoryError             Category = "ERROR"
	CategoryValidation        Category = "VALIDATION_ERROR"
	CategoryApp               Category = "APP_ERROR"
	CategoryNotFound          Category = "NOT_FOUND"
	CategoryObjectiveExpired  Category = "OBJECTIVE_EXPIRED_ERROR"
	CategoryTargetNotUnique   Category = "TARGET_EMAIL_IS_NOT_UNIQUE"
	CategoryTargetUnderAttack Category = "TARGET_ALREADY_UNDER_ATTACK_ERROR"
	CategoryProfileData       Category = "PROFILE_DATA_ERROR"
	CategoryTextGeneration    Category = "TEXT_GENERATION_FAILURE"
	CategoryEmailSending      Category = "EMAIL_SENDING_ERROR"
	CategoryEmailInsertion    Category = "EMAIL_INSERTION_ERROR"
	CategoryNotUnderReview    Category = "ARTIFACT_NOT_UNDER_REVIEW"
	CategoryNotDelivered      Category = "NOT_DELIVERED"
)

// CodeInsertionAuth marks a mailbox insertion refused for lack of delegated authorization.
const CodeInsertionAuth = "EMAIL_INSERTION_AUTH_ERROR"

// Error is a categorised error. Code defaults to the category name.
type Error struct {
	Op       string         `json:"-"`
	Category Category       `json:"category"`
	Code     string         `json:"error_code"`
	Msg      string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
	Err      error          `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Category)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code() == e.code()
}

func (e *Error) code() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Category)
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = &Error{Category: CategoryNotFound}
	ErrValidation        = &Error{Category: CategoryValidation}
	ErrObjectiveExpired  = &Error{Category: CategoryObjectiveExpired}
	ErrTargetNotUnique   = &Error{Category: CategoryTargetNotUnique}
	ErrTargetUnderAttack = &Error{Category: CategoryTargetUnderAttack}
	ErrProfileData       = &Error{Category: CategoryProfileData}
	ErrTextGeneration    = &Error{Category: CategoryTextGeneration}
	ErrEmailSending      = &Error{Category: CategoryEmailSending}
	ErrEmailInsertion    = &Error{Category: CategoryEmailInsertion}
	ErrInsertionAuth     = &Error{Category: CategoryEmailInsertion, Code: CodeInsertionAuth}
	ErrNotUnderReview    = &Error{Category: CategoryNotUnderReview}
	ErrNotDelivered      = &Error{Category: CategoryNotDelivered}
)

// New builds an Error of the given category.
func New(op string, cat Category, format string, args ...any) *Error {
	return &Error{Op: op, Category: cat, Code: string(cat), Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given category around err.
func Wrap(op string, cat Category, err error, format string, args ...any) *Error {
	e := New(op, cat, format, args...)
	e.Err = err
	return e
}

// NotFound reports a missing record.
func NotFound(kind, id string) *Error {
	return &Error{
		Category: CategoryNotFound,
		Code:     string(CategoryNotFound),
		Msg:      fmt.Sprintf("%s %s not found", kind, id),
		Data:     map[string]any{"kind": kind, "id": id},
	}
}

// WithData attaches response data.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// WithCode overrides the default code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// As returns the first *Error in err's chain, or a generic ERROR wrapper.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Category: CategoryError, Code: string(CategoryError), Msg: err.Error(), Err: err}
}

// CategoryOf returns the category of err, ERROR when uncategorised.
func CategoryOf(err error) Category {
	return As(err).Category
}
