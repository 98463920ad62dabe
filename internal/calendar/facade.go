package calendar

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"maccal/internal/models"
)

// Facade checks argument shapes, converts structured dates to ISO 8601
// strings and forwards to its Provider. It keeps no state of its own.
type Facade struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a Facade over provider.
func New(logger *slog.Logger, provider Provider) *Facade {
	return &Facade{provider: provider, logger: logger}
}

// RequestAccess asks the provider for calendar access. It may block until
// the grant is resolved.
func (f *Facade) RequestAccess(ctx context.Context) (models.AuthStatus, error) {
	f.logger.Debug("Requesting calendar access")
	return f.provider.RequestAccess(ctx)
}

// GetAuthStatus returns the provider's current authorization status.
func (f *Facade) GetAuthStatus(ctx context.Context) (models.AuthStatus, error) {
	return f.provider.GetAuthStatus(ctx)
}

// GetAllEvents returns every event overlapping [start, end]. Both bounds must
// be a time.Time, a non-nil *time.Time or a string.
func (f *Facade) GetAllEvents(ctx context.Context, start, end any) ([]models.Record, error) {
	startStr, endStr, err := dateRange(start, end)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Fetching events", "start", startStr, "end", endStr)
	return f.provider.GetAllEvents(ctx, startStr, endStr)
}

// GetEventsByName is GetAllEvents narrowed to events whose title matches name.
// An empty name is forwarded as is.
func (f *Facade) GetEventsByName(ctx context.Context, name string, start, end any) ([]models.Record, error) {
	startStr, endStr, err := dateRange(start, end)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Fetching events by name", "name", name, "start", startStr, "end", endStr)
	return f.provider.GetEventsByName(ctx, name, startStr, endStr)
}

// AddNewEvent creates an event. data needs a non-blank title and both dates;
// every other key reaches the provider untouched.
func (f *Facade) AddNewEvent(ctx context.Context, data models.Record) (bool, error) {
	if data == nil {
		return false, &ArgumentError{Field: "eventData", Expected: expectObject}
	}
	if !nonBlank(data[models.KeyTitle]) {
		return false, &ArgumentError{Field: "eventData.title", Expected: expectNonEmpty}
	}
	startStr, ok := normalizeDate(data[models.KeyStartDate])
	if !ok {
		return false, &ArgumentError{Field: "eventData.startDate", Expected: expectDate}
	}
	endStr, ok := normalizeDate(data[models.KeyEndDate])
	if !ok {
		return false, &ArgumentError{Field: "eventData.endDate", Expected: expectDate}
	}

	out := data.Clone()
	out[models.KeyStartDate] = startStr
	out[models.KeyEndDate] = endStr

	f.logger.Debug("Adding event", "title", out[models.KeyTitle], "start", startStr, "end", endStr)
	return f.provider.AddNewEvent(ctx, out)
}

// DeleteEvent removes the event with the given identifier.
func (f *Facade) DeleteEvent(ctx context.Context, identifier string) (bool, error) {
	if strings.TrimSpace(identifier) == "" {
		return false, &ArgumentError{Field: "eventIdentifier", Expected: expectNonEmpty}
	}
	f.logger.Debug("Deleting event", "identifier", identifier)
	return f.provider.DeleteEvent(ctx, identifier)
}

// UpdateEvent applies a partial record to the event named by its identifier.
// Dates are converted only when given as structured values; absent or nil
// dates stay out of the conversion.
func (f *Facade) UpdateEvent(ctx context.Context, data models.Record) (bool, error) {
	if data == nil {
		return false, &ArgumentError{Field: "eventData", Expected: expectObject}
	}
	if !nonBlank(data[models.KeyIdentifier]) {
		return false, &ArgumentError{Field: "eventData.identifier", Expected: expectNonEmpty}
	}

	out := data.Clone()
	for _, key := range []string{models.KeyStartDate, models.KeyEndDate} {
		v, present := data[key]
		if !present || v == nil {
			continue
		}
		s, ok := normalizeDate(v)
		if !ok {
			return false, &ArgumentError{Field: "eventData." + key, Expected: expectDate}
		}
		out[key] = s
	}

	f.logger.Debug("Updating event", "identifier", out[models.KeyIdentifier])
	return f.provider.UpdateEvent(ctx, out)
}

func dateRange(start, end any) (string, string, error) {
	startStr, ok := normalizeDate(start)
	if !ok {
		return "", "", &ArgumentError{Field: "startDate", Expected: expectDate}
	}
	endStr, ok := normalizeDate(end)
	if !ok {
		return "", "", &ArgumentError{Field: "endDate", Expected: expectDate}
	}
	return startStr, endStr, nil
}

// normalizeDate converts a structured date to its ISO form and passes strings
// through. ok is false for any other type.
func normalizeDate(v any) (string, bool) {
	switch d := v.(type) {
	case string:
		return d, true
	case time.Time:
		return models.FormatISO(d), true
	case *time.Time:
		if d == nil {
			return "", false
		}
		return models.FormatISO(*d), true
	default:
		return "", false
	}
}

func nonBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}
