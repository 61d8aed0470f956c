package share

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL applies when a creation request carries no TTL and no persist
// flag.
const DefaultTTL = 24 * time.Hour

var ttlPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseTTL parses a duration like "30m", "2h", "1d", or "7d". The empty
// string yields DefaultTTL. Day units are handled here because
// time.ParseDuration does not know them.
func ParseTTL(raw string) (time.Duration, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return DefaultTTL, nil
	}
	m := ttlPattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("invalid ttl %q: use forms like 30m, 2h, 1d", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid ttl %q: amount must be positive", raw)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}
