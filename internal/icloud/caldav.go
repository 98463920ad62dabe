package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"maccal/internal/models"
)

const (
	DefaultEndpoint = "https://caldav.icloud.com/"
)

// customTransport handles adding Basic Auth and custom headers to requests.
// It also remembers whether the server rejected the credentials.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper

	rejected atomic.Bool
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "maccal/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if err == nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		t.rejected.Store(true)
	}
	return resp, err
}

// Options configures a CalDAVClient.
type Options struct {
	Endpoint     string // defaults to DefaultEndpoint
	Username     string
	Password     string
	CalendarName string
}

// CalDAVClient is a calendar provider backed by a CalDAV server (iCloud by
// default).
type CalDAVClient struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	transport    *customTransport
	logger       *slog.Logger
	calendarName string

	mu           sync.Mutex
	calendarPath string
	status       models.AuthStatus
}

// NewClient creates a CalDAVClient. No request is made until the first
// operation or RequestAccess.
func NewClient(logger *slog.Logger, opts Options) (*CalDAVClient, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	transport := &customTransport{
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	return &CalDAVClient{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		transport:    transport,
		logger:       logger,
		calendarName: opts.CalendarName,
		status:       models.AuthNotDetermined,
	}, nil
}

// RequestAccess discovers the configured calendar with the stored
// credentials. A rejected login yields AuthDenied without error.
func (c *CalDAVClient) RequestAccess(ctx context.Context) (models.AuthStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transport.rejected.Store(false)
	c.logger.Info("Finding CalDAV calendar", "calendarName", c.calendarName)
	calendarPath, err := c.findCalendar(ctx, c.calendarName)
	if err != nil {
		if c.transport.rejected.Load() {
			c.status = models.AuthDenied
			c.logger.Warn("CalDAV server rejected the credentials")
			return c.status, nil
		}
		return c.status, fmt.Errorf("could not find calendar '%s': %w", c.calendarName, err)
	}
	c.calendarPath = calendarPath
	c.status = models.AuthAuthorized
	c.logger.Info("Successfully found CalDAV calendar", "path", calendarPath)
	return c.status, nil
}

// GetAuthStatus reports the outcome of the last access request.
func (c *CalDAVClient) GetAuthStatus(ctx context.Context) (models.AuthStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

func (c *CalDAVClient) GetAllEvents(ctx context.Context, start, end string) ([]models.Record, error) {
	return c.listEvents(ctx, "", start, end)
}

func (c *CalDAVClient) GetEventsByName(ctx context.Context, name, start, end string) ([]models.Record, error) {
	return c.listEvents(ctx, name, start, end)
}

func (c *CalDAVClient) listEvents(ctx context.Context, name, start, end string) ([]models.Record, error) {
	timeMin, err := models.ParseISO(start)
	if err != nil {
		return nil, err
	}
	timeMax, err := models.ParseISO(end)
	if err != nil {
		return nil, err
	}
	calendarPath, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}

	query := eventQuery(caldav.CompFilter{Name: ical.CompEvent, Start: timeMin, End: timeMax})
	// Recurring events come back as one VEVENT per occurrence in range.
	query.CompRequest.Expand = &caldav.CalendarExpandRequest{Start: timeMin, End: timeMax}
	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	var records []models.Record
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			ev, err := fromICal(comp)
			if err != nil {
				c.logger.Warn("Skipping unreadable event", "path", obj.Path, "error", err)
				continue
			}
			if !ev.MatchesName(name) {
				continue
			}
			ev.Calendar = c.calendarName
			records = append(records, ev.Record())
		}
	}
	c.logger.Debug("Fetched events from CalDAV", "count", len(records))
	return records, nil
}

// AddNewEvent writes a new calendar object named after a fresh UID.
func (c *CalDAVClient) AddNewEvent(ctx context.Context, event models.Record) (bool, error) {
	ev, err := models.EventFromRecord(event)
	if err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}
	ev.Identifier = GenerateUID()

	calendarPath, err := c.calendar(ctx)
	if err != nil {
		return false, err
	}

	cal := newCalendar()
	cal.Children = append(cal.Children, toICal(ev))
	eventPath := path.Join(calendarPath, ev.Identifier+".ics")
	if _, err := c.caldavClient.PutCalendarObject(ctx, eventPath, cal); err != nil {
		return false, fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}

	c.logger.Info("Successfully created event", "eventTitle", ev.Title, "uid", ev.Identifier)
	return true, nil
}

// UpdateEvent rewrites the VEVENT whose UID matches the record identifier,
// keeping properties the record does not mention.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, event models.Record) (bool, error) {
	uid, _ := event[models.KeyIdentifier].(string)
	obj, err := c.findObject(ctx, uid)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	comp := masterEvent(obj.Data, uid)
	if comp == nil {
		return false, nil
	}
	ev, err := fromICal(comp)
	if err != nil {
		return false, err
	}
	if err := ev.ApplyRecord(event); err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}
	applyToICal(comp, ev)

	if _, err := c.caldavClient.PutCalendarObject(ctx, obj.Path, obj.Data); err != nil {
		return false, fmt.Errorf("failed to update event: %w", err)
	}
	c.logger.Info("Successfully updated event", "uid", uid)
	return true, nil
}

// DeleteEvent removes the calendar object holding the event.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, identifier string) (bool, error) {
	obj, err := c.findObject(ctx, identifier)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := c.webdavClient.RemoveAll(ctx, obj.Path); err != nil {
		return false, fmt.Errorf("failed to delete event: %w", err)
	}
	c.logger.Info("Successfully deleted event", "uid", identifier)
	return true, nil
}

// findObject locates the calendar object whose VEVENT carries uid.
func (c *CalDAVClient) findObject(ctx context.Context, uid string) (*caldav.CalendarObject, error) {
	calendarPath, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}
	query := eventQuery(caldav.CompFilter{
		Name: ical.CompEvent,
		Props: []caldav.PropFilter{{
			Name:      ical.PropUID,
			TextMatch: &caldav.TextMatch{Text: uid},
		}},
	})
	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to look up event: %w", err)
	}
	for i := range objects {
		if masterEvent(objects[i].Data, uid) != nil {
			return &objects[i], nil
		}
	}
	return nil, models.ErrNotFound
}

// calendar returns the discovered calendar path, running discovery on first
// use.
func (c *CalDAVClient) calendar(ctx context.Context) (string, error) {
	c.mu.Lock()
	calendarPath := c.calendarPath
	c.mu.Unlock()
	if calendarPath != "" {
		return calendarPath, nil
	}

	status, err := c.RequestAccess(ctx)
	if err != nil {
		return "", err
	}
	if status != models.AuthAuthorized {
		return "", models.ErrAccessDenied
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calendarPath, nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

func eventQuery(filter caldav.CompFilter) *caldav.CalendarQuery {
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{filter},
		},
	}
}

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//maccal//EN")
	return cal
}

// masterEvent returns the VEVENT with uid that is not a recurrence override.
func masterEvent(cal *ical.Calendar, uid string) *ical.Component {
	if cal == nil {
		return nil
	}
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent || comp.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		if p := comp.Props.Get(ical.PropUID); p != nil && p.Value == uid {
			return comp
		}
	}
	return nil
}

// toICal converts an Event to a new VEVENT component.
func toICal(ev models.Event) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, ev.Identifier)
	applyToICal(ve, ev)
	return ve
}

// applyToICal writes the event fields onto an existing VEVENT. Empty text
// fields remove the property.
func applyToICal(ve *ical.Component, ev models.Event) {
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	if ev.AllDay {
		setDate(ve.Props, ical.PropDateTimeStart, ev.StartDate)
		setDate(ve.Props, ical.PropDateTimeEnd, ev.EndDate)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.StartDate.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.EndDate.UTC())
	}
	setOptionalText(ve.Props, ical.PropLocation, ev.Location)
	setOptionalText(ve.Props, ical.PropDescription, ev.Notes)
}

func setDate(props ical.Props, name string, t time.Time) {
	p := ical.NewProp(name)
	p.SetValueType(ical.ValueDate)
	p.Value = t.Format("20060102")
	props.Set(p)
}

func setOptionalText(props ical.Props, name, value string) {
	if value == "" {
		delete(props, name)
		return
	}
	props.SetText(name, value)
}

// fromICal reads a VEVENT component into an Event.
func fromICal(comp *ical.Component) (models.Event, error) {
	ev := models.Event{
		Identifier: textProp(comp.Props, ical.PropUID),
		Title:      textProp(comp.Props, ical.PropSummary),
		Location:   textProp(comp.Props, ical.PropLocation),
		Notes:      textProp(comp.Props, ical.PropDescription),
	}

	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		return ev, fmt.Errorf("invalid DTSTART: %w", err)
	}
	ev.StartDate = start
	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		ev.AllDay = true
	}

	ev.EndDate = start
	if ev.AllDay {
		ev.EndDate = start.AddDate(0, 0, 1)
	}
	if comp.Props.Get(ical.PropDateTimeEnd) != nil {
		end, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
		if err != nil {
			return ev, fmt.Errorf("invalid DTEND: %w", err)
		}
		ev.EndDate = end
	}
	return ev, nil
}

func textProp(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return strings.TrimSpace(prop.Value)
	}
	return strings.TrimSpace(text)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
