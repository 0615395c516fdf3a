package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"ringlb/internal/membership"
	"ringlb/internal/ring"
	"ringlb/internal/router"
	"ringlb/internal/transport"
)

const (
	statusSuccessful = "successful"
	statusFailure    = "failure"
)

type envelope struct {
	Message any    `json:"message"`
	Status  string `json:"status"`
}

// statusFor maps an error to the HTTP status it is reported with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, membership.ErrInvalidRequest),
		errors.Is(err, ring.ErrDuplicateReplica),
		errors.Is(err, ring.ErrInvalidReplicaID),
		errors.Is(err, transport.ErrEndpointNotFound):
		return http.StatusBadRequest
	case errors.Is(err, ring.ErrUnknownReplica):
		return http.StatusNotFound
	case errors.Is(err, router.ErrNoReplicasAvailable):
		return http.StatusInternalServerError
	case errors.Is(err, transport.ErrReplicaUnreachable),
		errors.Is(err, transport.ErrResponseTooLarge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] Failed to write response: %v", err)
	}
}

func writeSuccess(w http.ResponseWriter, message any) {
	writeJSON(w, http.StatusOK, envelope{Message: message, Status: statusSuccessful})
}

func writeFailure(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, envelope{Message: message, Status: statusFailure})
}

func writeError(w http.ResponseWriter, err error) {
	writeFailure(w, statusFor(err), "<Error> "+err.Error())
}
