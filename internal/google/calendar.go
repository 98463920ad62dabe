package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"maccal/internal/models"
)

const (
	credentialsFile = "credentials.json"
	dateLayout      = "2006-01-02"
)

// Options configures a CalendarClient.
type Options struct {
	ClientID     string
	ClientSecret string
	Account      string // selects token-<account>.json
	CalendarID   string // defaults to "primary"
	TokenDir     string // defaults to the working directory
}

// CalendarClient is a calendar provider backed by the Google Calendar API.
type CalendarClient struct {
	service    *calendar.Service
	logger     *slog.Logger
	calendarID string

	mu     sync.Mutex
	status models.AuthStatus
}

// NewClient creates a new Google Calendar client.
// It loads the token saved by the auth command for opts.Account. Without a
// token the client is still returned, reporting AuthNotDetermined, and every
// calendar operation fails with models.ErrAccessDenied.
func NewClient(ctx context.Context, logger *slog.Logger, opts Options) (*CalendarClient, error) {
	c := &CalendarClient{
		logger:     logger,
		calendarID: opts.CalendarID,
		status:     models.AuthNotDetermined,
	}
	if c.calendarID == "" {
		c.calendarID = "primary"
	}

	config, err := getOAuthConfig(opts.ClientID, opts.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokenFromFile(TokenPath(opts.TokenDir, opts.Account))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("No Google token found, run the auth command first", "account", opts.Account)
			return c, nil
		}
		return nil, fmt.Errorf("could not load token for account %s: %w", opts.Account, err)
	}

	service, err := calendar.NewService(ctx, option.WithHTTPClient(config.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	c.service = service
	return c, nil
}

// newClientWithService is used by tests to point the client at a fake server.
func newClientWithService(logger *slog.Logger, service *calendar.Service, calendarID string) *CalendarClient {
	return &CalendarClient{service: service, logger: logger, calendarID: calendarID, status: models.AuthNotDetermined}
}

// RequestAccess probes the configured calendar with the saved token.
func (c *CalendarClient) RequestAccess(ctx context.Context) (models.AuthStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.service == nil {
		return c.status, nil
	}
	_, err := c.service.Calendars.Get(c.calendarID).Context(ctx).Do()
	switch {
	case err == nil:
		c.status = models.AuthAuthorized
	case isStatus(err, http.StatusUnauthorized, http.StatusForbidden) || isTokenError(err):
		c.logger.Warn("Google rejected the saved token", "error", err)
		c.status = models.AuthDenied
	default:
		return c.status, fmt.Errorf("failed to reach calendar %s: %w", c.calendarID, err)
	}
	return c.status, nil
}

// GetAuthStatus reports the outcome of the last access request.
func (c *CalendarClient) GetAuthStatus(ctx context.Context) (models.AuthStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

func (c *CalendarClient) GetAllEvents(ctx context.Context, start, end string) ([]models.Record, error) {
	return c.listEvents(ctx, "", start, end)
}

// GetEventsByName narrows the server-side free-text search to title matches.
func (c *CalendarClient) GetEventsByName(ctx context.Context, name, start, end string) ([]models.Record, error) {
	return c.listEvents(ctx, name, start, end)
}

func (c *CalendarClient) listEvents(ctx context.Context, name, start, end string) ([]models.Record, error) {
	if c.service == nil {
		return nil, models.ErrAccessDenied
	}
	timeMin, err := models.ParseISO(start)
	if err != nil {
		return nil, err
	}
	timeMax, err := models.ParseISO(end)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetching events", "calendarID", c.calendarID, "start", timeMin, "end", timeMax)
	call := c.service.Events.List(c.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		OrderBy("startTime")
	if name != "" {
		call = call.Q(name)
	}

	var records []models.Record
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, ok := fromGoogleEvent(item)
			if !ok || !ev.MatchesName(name) {
				continue
			}
			ev.Calendar = page.Summary
			records = append(records, ev.Record())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(records), "calendarID", c.calendarID)
	return records, nil
}

func (c *CalendarClient) AddNewEvent(ctx context.Context, event models.Record) (bool, error) {
	if c.service == nil {
		return false, models.ErrAccessDenied
	}
	ev, err := models.EventFromRecord(event)
	if err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}
	created, err := c.service.Events.Insert(c.calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("failed to create event: %w", err)
	}
	c.logger.Info("Created Google Calendar event", "title", ev.Title, "id", created.Id)
	return true, nil
}

// UpdateEvent fetches the event, merges the record over it and writes it
// back. An unknown identifier reports false without error.
func (c *CalendarClient) UpdateEvent(ctx context.Context, event models.Record) (bool, error) {
	if c.service == nil {
		return false, models.ErrAccessDenied
	}
	id, _ := event[models.KeyIdentifier].(string)
	existing, err := c.service.Events.Get(c.calendarID, id).Context(ctx).Do()
	if isStatus(err, http.StatusNotFound, http.StatusGone) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch event: %w", err)
	}

	ev, _ := fromGoogleEvent(existing)
	if err := ev.ApplyRecord(event); err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}
	applyToGoogleEvent(existing, ev)

	if _, err := c.service.Events.Update(c.calendarID, id, existing).Context(ctx).Do(); err != nil {
		return false, fmt.Errorf("failed to update event: %w", err)
	}
	c.logger.Info("Updated Google Calendar event", "id", id)
	return true, nil
}

func (c *CalendarClient) DeleteEvent(ctx context.Context, identifier string) (bool, error) {
	if c.service == nil {
		return false, models.ErrAccessDenied
	}
	err := c.service.Events.Delete(c.calendarID, identifier).Context(ctx).Do()
	if isStatus(err, http.StatusNotFound, http.StatusGone) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete event: %w", err)
	}
	c.logger.Info("Deleted Google Calendar event", "id", identifier)
	return true, nil
}

// fromGoogleEvent converts a Google Calendar event to the internal model.
// ok is false for events without a usable start.
func fromGoogleEvent(item *calendar.Event) (models.Event, bool) {
	ev := models.Event{
		Identifier: item.Id,
		Title:      item.Summary,
		Location:   item.Location,
		Notes:      item.Description,
	}
	var ok bool
	ev.StartDate, ev.AllDay, ok = parseEventTime(item.Start)
	if !ok {
		return ev, false
	}
	ev.EndDate, _, ok = parseEventTime(item.End)
	if !ok {
		ev.EndDate = ev.StartDate
	}
	return ev, true
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, bool) {
	if t == nil {
		return time.Time{}, false, false
	}
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		return parsed, false, err == nil
	}
	if t.Date != "" {
		parsed, err := time.Parse(dateLayout, t.Date)
		return parsed, true, err == nil
	}
	return time.Time{}, false, false
}

// toGoogleEvent converts an internal Event to a Google Calendar event.
func toGoogleEvent(ev models.Event) *calendar.Event {
	item := &calendar.Event{}
	applyToGoogleEvent(item, ev)
	return item
}

func applyToGoogleEvent(item *calendar.Event, ev models.Event) {
	item.Summary = ev.Title
	item.Location = ev.Location
	item.Description = ev.Notes
	if ev.AllDay {
		item.Start = &calendar.EventDateTime{Date: ev.StartDate.Format(dateLayout)}
		item.End = &calendar.EventDateTime{Date: ev.EndDate.Format(dateLayout)}
	} else {
		item.Start = &calendar.EventDateTime{DateTime: ev.StartDate.Format(time.RFC3339)}
		item.End = &calendar.EventDateTime{DateTime: ev.EndDate.Format(time.RFC3339)}
	}
}

func isStatus(err error, codes ...int) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, code := range codes {
		if gerr.Code == code {
			return true
		}
	}
	return false
}

func isTokenError(err error) bool {
	var rerr *oauth2.RetrieveError
	return errors.As(err, &rerr)
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes explicit client credentials over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarEventsScope, calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarEventsScope, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// TokenPath returns the token file for account inside dir.
func TokenPath(dir, account string) string {
	return filepath.Join(dir, "token-"+account+".json")
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// GetTokenAccounts lists the accounts that have a saved token in dir.
func GetTokenAccounts(dir string) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
