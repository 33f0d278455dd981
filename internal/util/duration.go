package util

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/meridian/errors"
)

// ParseAge reads a positive age such as "36h", "90m" or "7d". A bare "d"
// suffix counts whole days.
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, errors.NewInvalidRequestError("invalid age %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.NewInvalidRequestError("invalid age %q", s)
		}
		d = parsed
	}
	if d <= 0 {
		return 0, errors.NewInvalidRequestError("age must be positive, got %q", s)
	}
	return d, nil
}
