package ckan

import (
	"errors"
	"fmt"
)

// Kind classifies a catalog failure. Callers branch on the kind instead of
// matching error types: NotFound drives the create-fallback logic, everything
// else is fatal for the current archive.
type Kind int

const (
	// KindAPI any catalog error that fits no more specific kind
	KindAPI Kind = iota
	// KindNotFound a referenced organization, dataset or resource does not exist
	KindNotFound
	// KindAuthorization the credentials lack permission for the attempted action
	KindAuthorization
	// KindValidation the catalog rejected the request's field values
	KindValidation
	// KindConnectivity network failure, timeout, or a 5xx/unparsable response
	KindConnectivity
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindConnectivity:
		return "connectivity"
	default:
		return "api"
	}
}

// Error is a catalog failure tagged with its Kind and the action that caused it.
type Error struct {
	Kind    Kind
	Action  string
	Message string
	// Validation structured field-level detail, only set for KindValidation
	Validation map[string]interface{}
	cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("catalog %s error for action '%s': %s", e.Kind, e.Action, e.Message)
	if len(e.Validation) > 0 {
		msg = fmt.Sprintf("%s: %v", msg, e.Validation)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the Kind of a catalog error; non-catalog errors report KindAPI.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindAPI
}

// IsNotFound reports whether the error is a catalog "not found" - the signal
// that drives get-or-create fallbacks, never fatal by itself.
func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindNotFound
}

// IsAuthorization reports whether the error is a catalog authorization failure.
func IsAuthorization(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindAuthorization
}

// IsConnectivity reports whether the error is a transport-level failure,
// potentially transient across runs.
func IsConnectivity(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindConnectivity
}
