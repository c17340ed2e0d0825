package api

import (
	"net/http"

	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
)

const (
	msgSuccess         = "Successfully joined the waitlist!"
	msgInvalidEmail    = "Please enter a valid email address."
	msgDuplicate       = "Email already registered"
	msgServerSelection = "Unable to connect to the database. Please try again later."
	msgNetwork         = "Network error occurred. Please check your connection and try again."
	msgUnexpected      = "An unexpected error occurred. Please try again."
)

// Response maps an error kind to the status code and the user-facing
// message. Messages never carry driver details.
func Response(kind apperr.Kind) (int, string) {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest, msgInvalidEmail
	case apperr.Duplicate:
		return http.StatusBadRequest, msgDuplicate
	case apperr.ServerSelection:
		return http.StatusServiceUnavailable, msgServerSelection
	case apperr.Network:
		return http.StatusServiceUnavailable, msgNetwork
	case apperr.Insert, apperr.Internal:
		return http.StatusInternalServerError, msgUnexpected
	default:
		return http.StatusInternalServerError, msgUnexpected
	}
}
