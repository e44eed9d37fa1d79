package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"auction-engine/internal/domain"
)

const (
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
	CodeBidTooLow    = "BID_TOO_LOW"
	CodeNotOpen      = "NOT_OPEN"
	CodeForbidden    = "FORBIDDEN"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_ERROR"
	CodeInvalidInput = "INVALID_INPUT"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"
)

type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) StatusCode() int {
	return e.HTTPStatus
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Response() ErrorResponse {
	return ErrorResponse{Code: e.Code, Message: e.Message, Details: e.Details}
}

func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message, http.StatusBadRequest)
}

func Validation(message string, details map[string]any) *AppError {
	return New(CodeValidation, message, http.StatusUnprocessableEntity).WithDetails(details)
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError maps err onto the HTTP error taxonomy. Domain errors keep their message.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	wrap := func(code string, status int) *AppError {
		return &AppError{Code: code, Message: err.Error(), HTTPStatus: status, Err: err}
	}
	switch {
	case stderrors.Is(err, domain.ErrBidTooLow):
		return wrap(CodeBidTooLow, http.StatusUnprocessableEntity)
	case stderrors.Is(err, domain.ErrValidation):
		return wrap(CodeValidation, http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrNotOpen):
		return wrap(CodeNotOpen, http.StatusConflict)
	case stderrors.Is(err, domain.ErrConflict):
		return wrap(CodeConflict, http.StatusConflict)
	case stderrors.Is(err, domain.ErrNotFound):
		return wrap(CodeNotFound, http.StatusNotFound)
	case stderrors.Is(err, domain.ErrForbidden):
		return wrap(CodeForbidden, http.StatusForbidden)
	case stderrors.Is(err, domain.ErrTransient):
		return &AppError{Code: CodeUnavailable, Message: "temporarily unavailable, retry with the same idempotency key",
			HTTPStatus: http.StatusServiceUnavailable, Err: err}
	}
	return Internal("An unexpected error occurred", err)
}
