package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ParseSince turns a --since value into an instant. It accepts RFC3339,
// YYYY-MM-DD (midnight UTC) and English phrases such as "yesterday" or
// "3 days ago", resolved against now. An empty value is the zero time.
// Instants after now are rejected whatever form they take.
func ParseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	t, err := parseSince(text, now)
	if err != nil {
		return time.Time{}, err
	}
	if t.After(now) {
		return time.Time{}, fmt.Errorf("since %q is in the future", text)
	}
	return t, nil
}

func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("parse since %q: not a date or relative time", text)
	}
	return r.Time, nil
}
