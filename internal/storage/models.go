package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Revision is a saved copy of the user profile document.
type Revision struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	ProfileCount int       `json:"profile_count"`
	Checksum     string    `json:"checksum"`
	Document     string    `json:"document,omitempty"`
}
