package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime parses durations such as "10s", "5m", "48h" or "2d". Any
// form accepted by time.ParseDuration works as well. An empty string is zero.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, nil
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	duration, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
	}
	return duration, nil
}

// MustParseStringTime is ParseStringTime for values already validated.
func MustParseStringTime(timeString string) time.Duration {
	duration, err := ParseStringTime(timeString)
	if err != nil {
		panic(err)
	}
	return duration
}
