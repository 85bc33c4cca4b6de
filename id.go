package jsonbase

import (
	"strconv"

	"github.com/google/uuid"
)

// NewUID generates a UUIDv7 (time-ordered) surrogate key.
// UUIDv7 benefits:
// - Sortable by creation time
// - Globally unique without coordination
// - Can infer creation time from the value
func NewUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to UUIDv4 if NewV7 fails (extremely rare)
		id = uuid.New()
	}
	return id.String()
}

// IsValidUID checks if a string is a valid UUID
func IsValidUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// maxNumericID returns the largest decimal id found in records.
// Non-numeric ids are skipped; legacy collections carried a few of those.
func maxNumericID(records []Record) int64 {
	var max int64
	for _, r := range records {
		n, err := strconv.ParseInt(r.ID(), 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}
