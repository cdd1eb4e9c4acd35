// Package faults defines the error taxonomy shared across the gateway, pools
// and replica managers. Callers classify failures with errors.Is and map them
// to transport status codes with HTTPStatus.
package faults

import (
	"errors"
	"net/http"
)

var (
	// ErrProvision indicates that a session could not be provisioned
	// (image assets or backing resources unavailable). Not retried here.
	ErrProvision = errors.New("provision failed")

	// ErrCapacityExhausted indicates that no host in the pool can fit the
	// requested resource profile. The caller decides whether to back off.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrInvalidState indicates an operation against a replica whose state
	// does not admit it (e.g. step before reset).
	ErrInvalidState = errors.New("invalid replica state")

	// ErrReplicaUnavailable indicates the replica's session crashed and the
	// replica id is permanently unusable. The caller must reset a new one.
	ErrReplicaUnavailable = errors.New("replica unavailable")

	// ErrStaleRequest indicates a sequence-number ordering violation.
	// Surfaced immediately, never retried.
	ErrStaleRequest = errors.New("stale step request")

	// ErrMalformedAction indicates the codec rejected an action payload.
	ErrMalformedAction = errors.New("malformed action")

	// ErrUnknownReplica indicates a routing miss: no pool owns the id.
	ErrUnknownReplica = errors.New("unknown replica")
)

// Fatal reports whether err belongs to an error class that must never be
// retried by the step executor.
func Fatal(err error) bool {
	return errors.Is(err, ErrStaleRequest) ||
		errors.Is(err, ErrMalformedAction) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrReplicaUnavailable) ||
		errors.Is(err, ErrUnknownReplica)
}

// HTTPStatus maps a domain error to the status code returned by the gateway.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownReplica):
		return http.StatusNotFound
	case errors.Is(err, ErrMalformedAction):
		return http.StatusBadRequest
	case errors.Is(err, ErrStaleRequest):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrReplicaUnavailable):
		return http.StatusGone
	case errors.Is(err, ErrCapacityExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrProvision):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
