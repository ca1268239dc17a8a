package core

import (
	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 in canonical string form.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id parses as a UUID.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
