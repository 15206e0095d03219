// Package errors provides structured error handling with localized
// user-facing messages for the lobby service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidArgument indicates a malformed or missing request field.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Registration errors
	CodeNameInvalid      Code = "NAME_INVALID"
	CodeNameTaken        Code = "NAME_TAKEN"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"

	// Registry errors
	CodeNotFound    Code = "NOT_FOUND"
	CodeDuplicateID Code = "DUPLICATE_ID"
)

// WireCode maps a domain code to the coarse status vocabulary used on
// WebSocket error frames.
func (c Code) WireCode() string {
	switch c {
	case CodeInvalidArgument, CodeNameInvalid:
		return "INVALID_ARGUMENT"
	case CodeNameTaken:
		return "FAILED_PRECONDITION"
	case CodeCapacityExceeded:
		return "RESOURCE_EXHAUSTED"
	case CodeNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps a domain code to the status used by HTTP surfaces.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeNameInvalid:
		return http.StatusBadRequest
	case CodeNameTaken:
		return http.StatusConflict
	case CodeCapacityExceeded:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
