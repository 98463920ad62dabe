package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maccal/internal/calendar"
	"maccal/internal/models"
)

var errCheckFailed = errors.New("calendar check failed")

// runCheck walks one throwaway event through its whole lifecycle. It stops
// without error when access is not granted.
func runCheck(ctx context.Context, logger *slog.Logger, f *calendar.Facade, now time.Time) error {
	status, err := f.GetAuthStatus(ctx)
	if err != nil {
		return err
	}
	logger.Info("Initial authorization status", "status", status)

	status, err = f.RequestAccess(ctx)
	if err != nil {
		return err
	}
	logger.Info("Authorization status after request", "status", status)
	if status != models.AuthAuthorized {
		logger.Warn("Calendar access not authorized, skipping event checks")
		return nil
	}

	tomorrow := now.AddDate(0, 0, 1)
	start := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 10, 0, 0, 0, now.Location())
	end := start.Add(time.Hour)
	title := fmt.Sprintf("maccal check - %d", now.UnixMilli())

	ok, err := f.AddNewEvent(ctx, models.Record{
		models.KeyTitle:     title,
		models.KeyStartDate: start,
		models.KeyEndDate:   end,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: event was not created", errCheckFailed)
	}
	logger.Info("Created event", "title", title)

	rangeStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	rangeEnd := rangeStart.AddDate(0, 0, 7)
	all, err := f.GetAllEvents(ctx, models.FormatISO(rangeStart), models.FormatISO(rangeEnd))
	if err != nil {
		return err
	}
	var id string
	for _, r := range all {
		if r[models.KeyTitle] == title {
			id, _ = r[models.KeyIdentifier].(string)
		}
	}
	if id == "" {
		return fmt.Errorf("%w: created event missing from %d listed events", errCheckFailed, len(all))
	}
	logger.Info("Found event in range", "identifier", id, "total", len(all))

	byName, err := f.GetEventsByName(ctx, title, rangeStart, rangeEnd)
	if err != nil {
		return err
	}
	if len(byName) != 1 {
		return fmt.Errorf("%w: expected 1 event named %q, got %d", errCheckFailed, title, len(byName))
	}

	ok, err = f.UpdateEvent(ctx, models.Record{
		models.KeyIdentifier: id,
		models.KeyTitle:      title + " (updated)",
		models.KeyLocation:   "maccal",
		models.KeyEndDate:    end.Add(30 * time.Minute),
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: event %s was not updated", errCheckFailed, id)
	}
	logger.Info("Updated event", "identifier", id)

	ok, err = f.DeleteEvent(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: event %s was not deleted", errCheckFailed, id)
	}
	logger.Info("Deleted event", "identifier", id)
	return nil
}
