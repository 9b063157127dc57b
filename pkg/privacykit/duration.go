package privacykit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var retentionPattern = regexp.MustCompile(`^(\d+)\s*(day|week|month|year)s?$`)

// ParseRetention converts a human-readable retention string such as
// "30 days", "6 months" or "1 year" into a duration. Months count as 30 days
// and years as 365 days.
func ParseRetention(s string) (time.Duration, error) {
	m := retentionPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("%w: unparseable retention %q", ErrConfig, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: unparseable retention %q", ErrConfig, s)
	}
	day := 24 * time.Hour
	switch m[2] {
	case "day":
		return time.Duration(n) * day, nil
	case "week":
		return time.Duration(n) * 7 * day, nil
	case "month":
		return time.Duration(n) * 30 * day, nil
	case "year":
		return time.Duration(n) * 365 * day, nil
	}
	return 0, fmt.Errorf("%w: unparseable retention %q", ErrConfig, s)
}
