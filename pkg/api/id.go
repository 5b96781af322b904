package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	idLength    = 24
	runIDPrefix = "run_"
)

var runIDPattern = regexp.MustCompile(`^run_[a-f0-9]{24}$`)

// NewRunID generates a new run ID with the "run_" prefix followed by 24
// lowercase hex characters taken from a random UUID.
func NewRunID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return runIDPrefix + hex[:idLength]
}

// ValidateRunID checks whether the given string is a valid run ID.
func ValidateRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// ShortID returns the trailing characters of a run ID, used to keep artifact
// names readable while unique per run.
func ShortID(id string) string {
	id = strings.TrimPrefix(id, runIDPrefix)
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
