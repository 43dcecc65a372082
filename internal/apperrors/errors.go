// Package apperrors implements the wire error taxonomy from spec.md §7:
// a fixed set of string codes carried in JSON error bodies, independent of
// the Go error chain used internally.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the wire error codes spec.md §7 documents.
type Code string

const (
	CodeParam                   Code = "err_param"
	CodeAuth                    Code = "err_auth"
	CodePerm                    Code = "err_perm"
	CodeNotFound                Code = "err_not_found"
	CodeDB                      Code = "err_db"
	CodeIntMsg                  Code = "err_int_msg"
	CodeRsc                     Code = "err_rsc"
	CodeUnitNotExist            Code = "err_broker_unit_not_exist"
	CodeUnitNotMatch            Code = "err_broker_unit_not_match"
	CodeApplicationNotExist     Code = "err_broker_application_not_exist"
	CodeNetworkNotExist         Code = "err_broker_network_not_exist"
	CodeDeviceNotExist          Code = "err_broker_device_not_exist"
	CodeRouteExist              Code = "err_broker_route_exist"
	CodeNetworkAddrExist        Code = "err_broker_network_addr_exist"
	CodeUserExist               Code = "err_auth_user_exist"
)

// httpStatus maps each code to the HTTP status the API surface returns.
var httpStatus = map[Code]int{
	CodeParam:               http.StatusBadRequest,
	CodeAuth:                http.StatusUnauthorized,
	CodePerm:                http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeDB:                  http.StatusInternalServerError,
	CodeIntMsg:              http.StatusInternalServerError,
	CodeRsc:                 http.StatusInternalServerError,
	CodeUnitNotExist:        http.StatusBadRequest,
	CodeUnitNotMatch:        http.StatusBadRequest,
	CodeApplicationNotExist: http.StatusBadRequest,
	CodeNetworkNotExist:     http.StatusBadRequest,
	CodeDeviceNotExist:      http.StatusBadRequest,
	CodeRouteExist:          http.StatusConflict,
	CodeNetworkAddrExist:    http.StatusConflict,
	CodeUserExist:           http.StatusConflict,
}

// Error is the wire-facing error: a code plus a human-readable message.
// It wraps an optional underlying error for logging without leaking it to
// the client.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code this error should produce on the
// HTTP surface.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a wire error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a wire code to an internal error, following the
// propagation policy in spec.md §7: "repository errors are wrapped as
// err_db with the original message in the message field."
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
