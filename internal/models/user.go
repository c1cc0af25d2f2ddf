package models

import "time"

// User is the application's copy of an identity, keyed internally by ID and
// externally by ClerkID.
type User struct {
	ID        string    `json:"_id"`
	ClerkID   string    `json:"clerkId"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Photo     string    `json:"photo"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserFields carries the normalized attributes written to the store. Every
// field is always set, possibly to "".
type UserFields struct {
	ClerkID   string `json:"clerkId"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Photo     string `json:"photo"`
}

// WebhookResponse is the JSON body returned to the webhook sender.
type WebhookResponse struct {
	Message string `json:"message,omitempty"`
	User    *User  `json:"user,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SuccessResponse always includes the "user" key, even when null.
type SuccessResponse struct {
	Message string `json:"message"`
	User    *User  `json:"user"`
}
