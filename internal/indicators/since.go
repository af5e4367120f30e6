package indicators

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ParseSince reads an indicator cut-off. A Go duration ("72h") is taken
// relative to now; anything else goes through dateparse, read as UTC when it
// carries no zone. Empty means no cut-off.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d).UTC(), nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse since %q: %w", s, err)
	}
	return t.UTC(), nil
}
