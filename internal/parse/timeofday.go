package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"irrigation-registry-backend/internal/apperr"
)

var (
	clockRe   = regexp.MustCompile(`^(\d{1,2})(?::|\.|h)?(\d{2})?\s*(am|pm|a\.m\.|p\.m\.)?$`)
	compactRe = regexp.MustCompile(`^(\d{2})(\d{2})$`)
)

// TimeOfDay normalizes a user-entered schedule time to "HH:MM" (24h).
// Accepted forms include "6:00", "06:00", "0600", "6:00 PM", "6pm" and "18h30".
func TimeOfDay(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = regexp.MustCompile(`\s+`).ReplaceAllString(s, " ")
	if s == "" {
		return "", fmt.Errorf("%w: empty time", apperr.ErrInvalidArgument)
	}

	var hour, minute int
	var suffix string

	if m := compactRe.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
	} else if m := clockRe.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		} else if m[3] == "" {
			// a bare number without am/pm is ambiguous
			return "", fmt.Errorf("%w: unable to parse time %q", apperr.ErrInvalidArgument, raw)
		}
		suffix = strings.ReplaceAll(m[3], ".", "")
	} else {
		return "", fmt.Errorf("%w: unable to parse time %q", apperr.ErrInvalidArgument, raw)
	}

	switch suffix {
	case "am":
		if hour < 1 || hour > 12 {
			return "", fmt.Errorf("%w: hour out of range in %q", apperr.ErrInvalidArgument, raw)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return "", fmt.Errorf("%w: hour out of range in %q", apperr.ErrInvalidArgument, raw)
		}
		if hour != 12 {
			hour += 12
		}
	}

	if hour > 23 || minute > 59 {
		return "", fmt.Errorf("%w: time out of range %q", apperr.ErrInvalidArgument, raw)
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}
