package models

import "time"

// SignupRecord is a single waitlist signup as persisted in the signups collection.
type SignupRecord struct {
	Email     string    `json:"email" bson:"email" db:"email"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt" db:"created_at"`
}

// SignupRequest is the body of POST /api/waitlist.
// Email is left untyped because the form can post anything; it is checked by signup.ValidateEmail.
type SignupRequest struct {
	Email any `json:"email"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
