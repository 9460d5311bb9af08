package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	OwnerID  string `json:"owner_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	OwnerID         string    `json:"owner_id"`
	DeviceID        string    `json:"device_id,omitempty"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
