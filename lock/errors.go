package lock

import (
	"fmt"

	"github.com/pkg/errors"
)

// HAP status codes returned to controllers
const (
	StatusServiceCommunicationFailure = -70402
	StatusInvalidValueInRequest       = -70410
)

// ErrAlreadyInitialized is returned by a second call to Initialize
var ErrAlreadyInitialized = errors.New("lock already initialized")

// StatusError is a failed HomeKit request, with the HAP status the controller should see
type StatusError struct {
	Status int
	cause  error
}

func communicationFailure(err error) *StatusError {
	return &StatusError{Status: StatusServiceCommunicationFailure, cause: err}
}

func (e *StatusError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("hap status %d", e.Status)
	}
	return fmt.Sprintf("hap status %d: %s", e.Status, e.cause.Error())
}

// Cause satisfies github.com/pkg/errors
func (e *StatusError) Cause() error { return e.cause }

func (e *StatusError) Unwrap() error { return e.cause }
