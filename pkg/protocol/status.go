package protocol

import (
	"errors"
	"fmt"
)

// Status is the envelope status code. 2xx is success; everything else is a
// failure. Codes of 1000 and up belong to the business layer.
type Status int32

// Success family
const (
	StatusOK      Status = 200
	StatusCreated Status = 201
)

// Client-fault family
const (
	StatusBadRequest      Status = 400
	StatusUnauthorized    Status = 401
	StatusForbidden       Status = 403
	StatusNotFound        Status = 404
	StatusConflict        Status = 409
	StatusMalformed       Status = 422
	StatusTooManyRequests Status = 429
)

// Server-fault family
const (
	StatusInternal    Status = 500
	StatusUnavailable Status = 503
	StatusTimeout     Status = 504
)

// Business block
const (
	StatusInvalidCredentials Status = 1001
	StatusCourseFull         Status = 1101
	StatusAlreadyEnrolled    Status = 1102
	StatusBookUnavailable    Status = 1201
	StatusLoanLimit          Status = 1202
	StatusNotBorrowed        Status = 1203
	StatusOutOfStock         Status = 1301
)

// IsSuccess reports whether s is in the 2xx family.
func (s Status) IsSuccess() bool {
	return s >= 200 && s < 300
}

// StatusError is a typed failure. Handlers return it to choose the status
// code and text of the failure envelope.
type StatusError struct {
	Code    Status
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Errorf builds a *StatusError.
func Errorf(code Status, format string, args ...any) error {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsStatusError extracts the status and message from err. Errors that are not
// a *StatusError map to StatusInternal with a generic message, so internal
// details never leak to the peer.
func AsStatusError(err error) (Status, string) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, se.Message
	}
	return StatusInternal, "internal error"
}
