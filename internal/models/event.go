package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known keys of an event Record.
const (
	KeyIdentifier = "identifier"
	KeyTitle      = "title"
	KeyStartDate  = "startDate"
	KeyEndDate    = "endDate"
	KeyLocation   = "location"
	KeyNotes      = "notes"
	KeyAllDay     = "isAllDay"
	KeyCalendar   = "calendar"
)

// ISOLayout is the canonical date string exchanged with providers:
// UTC, millisecond precision, trailing Z.
const ISOLayout = "2006-01-02T15:04:05.000Z"

const dateOnlyLayout = "2006-01-02"

// Record is an event record as it crosses the provider boundary.
// Keys other than the well-known ones are carried verbatim.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Event represents a calendar event.
// This is the typed view providers work with; Extra keeps record keys that
// have no dedicated field.
type Event struct {
	Identifier string    // Provider-assigned identifier
	Title      string    // Summary or title of the event
	StartDate  time.Time // Start time of the event
	EndDate    time.Time // End time of the event
	Location   string    // Location of the event
	Notes      string    // Free-form notes
	AllDay     bool      // Whether the event spans whole days
	Calendar   string    // Name of the calendar holding the event
	Extra      map[string]any
}

// FormatISO renders t in ISOLayout. Years outside 0000-9999 use the
// expanded form with a sign and six digits, e.g. +010000-01-01T00:00:00.000Z.
func FormatISO(t time.Time) string {
	t = t.UTC()
	if y := t.Year(); y < 0 || y > 9999 {
		sign := "+"
		if y < 0 {
			sign, y = "-", -y
		}
		return fmt.Sprintf("%s%06d", sign, y) + t.Format("-01-02T15:04:05.000Z")
	}
	return t.Format(ISOLayout)
}

// ParseISO accepts RFC 3339 timestamps (with or without fractional
// seconds), zone-less timestamps, bare dates and expanded signed years.
// Zone-less inputs are UTC.
func ParseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, ok := parseExpandedYear(s); ok {
		return t, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04", dateOnlyLayout} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO 8601 date %q", s)
}

func parseExpandedYear(s string) (time.Time, bool) {
	if len(s) < 8 || (s[0] != '+' && s[0] != '-') || s[7] != '-' {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(s[1:7])
	if err != nil {
		return time.Time{}, false
	}
	if s[0] == '-' {
		year = -year
	}
	// 2000 is a leap year, so a Feb 29 placeholder always parses.
	t, err := ParseISO("2000" + s[7:])
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location()), true
}

// EventFromRecord builds an Event from a record. Missing keys leave the
// corresponding field at its zero value.
func EventFromRecord(r Record) (Event, error) {
	var ev Event
	if err := ev.ApplyRecord(r); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ApplyRecord overwrites the fields named in r. Keys absent from r, or
// present with a nil value, are left untouched.
func (e *Event) ApplyRecord(r Record) error {
	for k, v := range r {
		if v == nil {
			continue
		}
		var err error
		switch k {
		case KeyIdentifier:
			e.Identifier, err = stringField(k, v)
		case KeyTitle:
			e.Title, err = stringField(k, v)
		case KeyStartDate:
			e.StartDate, err = timeField(k, v)
		case KeyEndDate:
			e.EndDate, err = timeField(k, v)
		case KeyLocation:
			e.Location, err = stringField(k, v)
		case KeyNotes:
			e.Notes, err = stringField(k, v)
		case KeyCalendar:
			e.Calendar, err = stringField(k, v)
		case KeyAllDay:
			b, ok := v.(bool)
			if !ok {
				err = fmt.Errorf("%s must be a boolean, got %T", k, v)
			}
			e.AllDay = b
		default:
			if e.Extra == nil {
				e.Extra = make(map[string]any)
			}
			e.Extra[k] = v
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Record converts the event back to its boundary form.
func (e Event) Record() Record {
	r := make(Record, 8+len(e.Extra))
	for k, v := range e.Extra {
		r[k] = v
	}
	r[KeyIdentifier] = e.Identifier
	r[KeyTitle] = e.Title
	r[KeyStartDate] = FormatISO(e.StartDate)
	r[KeyEndDate] = FormatISO(e.EndDate)
	r[KeyAllDay] = e.AllDay
	if e.Location != "" {
		r[KeyLocation] = e.Location
	}
	if e.Notes != "" {
		r[KeyNotes] = e.Notes
	}
	if e.Calendar != "" {
		r[KeyCalendar] = e.Calendar
	}
	return r
}

// MatchesName reports whether the title contains name, ignoring case.
func (e Event) MatchesName(name string) bool {
	return strings.Contains(strings.ToLower(e.Title), strings.ToLower(name))
}

func stringField(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func timeField(key string, v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		parsed, err := ParseISO(t)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", key, err)
		}
		return parsed, nil
	case time.Time:
		return t, nil
	case *time.Time:
		if t != nil {
			return *t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s must be a date, got %T", key, v)
}
