package expression

import (
	"fmt"
	"strings"
	"time"
)

// named date layouts accepted by formatDate, anything else is a Go layout
var dateLayouts = map[string]string{
	"DateTime":    time.DateTime,
	"DateOnly":    time.DateOnly,
	"TimeOnly":    time.TimeOnly,
	"RFC3339":     time.RFC3339,
	"RFC3339Nano": time.RFC3339Nano,
	"RFC1123":     time.RFC1123,
	"Compact":     "20060102150405",
	"CompactDate": "20060102",
	"Slash":       "2006/01/02 15:04:05",
	"SlashDate":   "2006/01/02",
}

// tried in order when no input format is given
var inputLayouts = []string{
	time.RFC3339Nano,
	time.DateTime,
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.DateOnly,
	"20060102150405",
	"20060102",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

func layoutOf(name string) string {
	if l, ok := dateLayouts[name]; ok {
		return l
	}
	return name
}

// formatDate reformats a date string. opts are the input format and the
// output time zone, both optional. Empty input gives null.
func formatDate(value any, outFormat string, opts ...string) (any, error) {
	if value == nil {
		return nil, nil
	}
	s := strings.TrimSpace(fmt.Sprint(value))
	if s == "" {
		return nil, nil
	}

	var inFormat, zone string
	if len(opts) > 0 {
		inFormat = opts[0]
	}
	if len(opts) > 1 {
		zone = opts[1]
	}

	t, err := parseDate(s, inFormat)
	if err != nil {
		return nil, err
	}
	if zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("formatDate: invalid time zone %q: %w", zone, err)
		}
		t = t.In(loc)
	}
	return t.Format(layoutOf(outFormat)), nil
}

func parseDate(s, inFormat string) (time.Time, error) {
	if inFormat != "" {
		t, err := time.ParseInLocation(layoutOf(inFormat), s, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("formatDate: %q does not match %q: %w", s, inFormat, err)
		}
		return t, nil
	}
	for _, layout := range inputLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("formatDate: unrecognized date %q", s)
}
