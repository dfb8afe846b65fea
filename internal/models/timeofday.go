package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTimeOfDay = errors.New("invalid time of day")

// TimeOfDay is a wall-clock time without a date, stored in 24-hour form.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts 12-hour clock strings such as "10:30 AM", "7 pm" or "12:05AM".
// 12 AM is midnight and 12 PM is noon.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	var pm bool
	switch {
	case strings.HasSuffix(v, "PM"):
		pm = true
		v = strings.TrimSuffix(v, "PM")
	case strings.HasSuffix(v, "AM"):
		v = strings.TrimSuffix(v, "AM")
	default:
		return TimeOfDay{}, fmt.Errorf("%w: %q missing AM/PM", ErrInvalidTimeOfDay, s)
	}
	v = strings.TrimSpace(v)

	hourPart, minutePart := v, "0"
	if i := strings.IndexByte(v, ':'); i >= 0 {
		hourPart, minutePart = v[:i], v[i+1:]
	}
	h, err := strconv.Atoi(hourPart)
	if err != nil || h < 1 || h > 12 {
		return TimeOfDay{}, fmt.Errorf("%w: %q bad hour", ErrInvalidTimeOfDay, s)
	}
	m, err := strconv.Atoi(minutePart)
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q bad minute", ErrInvalidTimeOfDay, s)
	}

	h = h % 12
	if pm {
		h += 12
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	suffix := "AM"
	h := t.Hour
	if h >= 12 {
		suffix = "PM"
	}
	h = h % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, t.Minute, suffix)
}

// On anchors the time of day to the calendar date of ref in loc.
func (t TimeOfDay) On(ref time.Time, loc *time.Location) time.Time {
	r := ref.In(loc)
	return time.Date(r.Year(), r.Month(), r.Day(), t.Hour, t.Minute, 0, 0, loc)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
