// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Stable problem type URIs for authentication and authorization
// failures. Clients key off these rather than the human-readable title.
const (
	TypeUnauthenticated      = "urn:fleetops:error:unauthenticated"
	TypeUnauthorized         = "urn:fleetops:error:unauthorized"
	TypeSecondFactorRequired = "urn:fleetops:error:second-factor-required"
	TypeSecondFactorInvalid  = "urn:fleetops:error:second-factor-invalid"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		ProblemTyped(w, http.StatusForbidden, TypeUnauthorized, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		ProblemTyped(w, http.StatusUnauthorized, TypeUnauthenticated, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
