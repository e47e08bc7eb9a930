package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewItemID returns a random UUIDv4 rendered as 32 lowercase hex characters.
func NewItemID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
