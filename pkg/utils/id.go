package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a new unique identifier, prefixed when prefix is not empty.
func GenerateID(prefix string) string {
	if prefix == "" {
		return uuid.New().String()
	}
	return prefix + "_" + uuid.New().String()
}
