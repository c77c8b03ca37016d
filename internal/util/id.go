package util

import (
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IDGenerator abstracts identifier generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

var nonAlphanumeric = regexp.MustCompile(`[^A-Za-z0-9]`)

// ProjectID derives "{unix}_{title}" with the title sanitised to
// alphanumerics and underscores and cut to 30 characters.
func ProjectID(title string, at time.Time) string {
	clean := nonAlphanumeric.ReplaceAllString(title, "_")
	if len(clean) > 30 {
		clean = clean[:30]
	}
	if clean == "" {
		clean = "untitled"
	}
	return strconv.FormatInt(at.Unix(), 10) + "_" + clean
}
