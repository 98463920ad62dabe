// Package store is a calendar provider backed by a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"maccal/internal/models"
)

const schemaName = "maccal"

// Store keeps events in SQLite. Dates are stored in models.ISOLayout so that
// range checks are plain string comparisons.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and brings its schema
// up to date.
func Open(logger *slog.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM db_version WHERE name = ?", schemaName).Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS db_version (
			name TEXT PRIMARY KEY,
			version INTEGER
		)`); err != nil {
			return fmt.Errorf("error creating db_version table: %w", err)
		}
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO db_version (name, version) VALUES (?, 0)`, schemaName); err != nil {
			return fmt.Errorf("error initializing db_version table: %w", err)
		}
		version = 0
	}

	if version == 0 {
		if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS events (
			identifier TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			is_all_day INTEGER NOT NULL DEFAULT 0,
			calendar TEXT NOT NULL DEFAULT '',
			extra TEXT NOT NULL DEFAULT '{}'
		)`); err != nil {
			return fmt.Errorf("error creating events table: %w", err)
		}
		if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS events_range ON events (start_date, end_date)`); err != nil {
			return fmt.Errorf("error creating events index: %w", err)
		}
		if _, err := s.db.Exec(`UPDATE db_version SET version = 1 WHERE name = ?`, schemaName); err != nil {
			return fmt.Errorf("error updating db_version table: %w", err)
		}
	}
	return nil
}

// RequestAccess always succeeds; the database file is ours.
func (s *Store) RequestAccess(ctx context.Context) (models.AuthStatus, error) {
	return models.AuthAuthorized, nil
}

func (s *Store) GetAuthStatus(ctx context.Context) (models.AuthStatus, error) {
	return models.AuthAuthorized, nil
}

func (s *Store) GetAllEvents(ctx context.Context, start, end string) ([]models.Record, error) {
	return s.query(ctx, nil, start, end)
}

func (s *Store) GetEventsByName(ctx context.Context, name, start, end string) ([]models.Record, error) {
	return s.query(ctx, &name, start, end)
}

func (s *Store) query(ctx context.Context, name *string, start, end string) ([]models.Record, error) {
	startKey, err := normalize(start)
	if err != nil {
		return nil, err
	}
	endKey, err := normalize(end)
	if err != nil {
		return nil, err
	}

	q := `SELECT identifier, title, start_date, end_date, location, notes, is_all_day, calendar, extra
		FROM events WHERE start_date <= ? AND end_date >= ?`
	q += ` ORDER BY start_date, identifier`

	rows, err := s.db.QueryContext(ctx, q, endKey, startKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		// Titles are matched in Go: SQLite's lower() only folds ASCII.
		if name != nil && !ev.MatchesName(*name) {
			continue
		}
		records = append(records, ev.Record())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	s.logger.Debug("Fetched events from local store", "count", len(records))
	return records, nil
}

// AddNewEvent stores the event under a freshly generated identifier.
func (s *Store) AddNewEvent(ctx context.Context, event models.Record) (bool, error) {
	ev, err := models.EventFromRecord(event)
	if err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}
	ev.Identifier = uuid.New().String()
	if err := s.write(ctx, `INSERT INTO events
		(title, start_date, end_date, location, notes, is_all_day, calendar, extra, identifier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, ev); err != nil {
		return false, err
	}
	s.logger.Info("Created event in local store", "title", ev.Title, "identifier", ev.Identifier)
	return true, nil
}

// UpdateEvent merges the record into the stored event. An unknown identifier
// reports false without error.
func (s *Store) UpdateEvent(ctx context.Context, event models.Record) (bool, error) {
	id, _ := event[models.KeyIdentifier].(string)
	row := s.db.QueryRowContext(ctx, `SELECT identifier, title, start_date, end_date, location, notes, is_all_day, calendar, extra
		FROM events WHERE identifier = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := ev.ApplyRecord(event); err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}
	ev.Identifier = id
	if err := s.write(ctx, `UPDATE events SET
		title = ?, start_date = ?, end_date = ?, location = ?, notes = ?, is_all_day = ?, calendar = ?, extra = ?
		WHERE identifier = ?`, ev); err != nil {
		return false, err
	}
	s.logger.Info("Updated event in local store", "identifier", id)
	return true, nil
}

func (s *Store) DeleteEvent(ctx context.Context, identifier string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE identifier = ?`, identifier)
	if err != nil {
		return false, fmt.Errorf("failed to delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete event: %w", err)
	}
	return n > 0, nil
}

// write runs an INSERT or UPDATE whose placeholders follow the column order
// title, start, end, location, notes, all-day, calendar, extra, identifier.
func (s *Store) write(ctx context.Context, stmt string, ev models.Event) error {
	extra := []byte("{}")
	if len(ev.Extra) > 0 {
		var err error
		if extra, err = json.Marshal(ev.Extra); err != nil {
			return fmt.Errorf("failed to encode extra fields: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, stmt,
		ev.Title,
		models.FormatISO(ev.StartDate),
		models.FormatISO(ev.EndDate),
		ev.Location,
		ev.Notes,
		ev.AllDay,
		ev.Calendar,
		string(extra),
		ev.Identifier,
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (models.Event, error) {
	var (
		ev         models.Event
		start, end string
		extra      string
	)
	if err := row.Scan(&ev.Identifier, &ev.Title, &start, &end, &ev.Location, &ev.Notes, &ev.AllDay, &ev.Calendar, &extra); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ev, err
		}
		return ev, fmt.Errorf("failed to scan event: %w", err)
	}
	var err error
	if ev.StartDate, err = models.ParseISO(start); err != nil {
		return ev, err
	}
	if ev.EndDate, err = models.ParseISO(end); err != nil {
		return ev, err
	}
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &ev.Extra); err != nil {
			return ev, fmt.Errorf("failed to decode extra fields: %w", err)
		}
	}
	return ev, nil
}

func normalize(s string) (string, error) {
	t, err := models.ParseISO(s)
	if err != nil {
		return "", err
	}
	return models.FormatISO(t), nil
}
