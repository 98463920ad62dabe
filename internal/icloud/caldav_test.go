package icloud

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maccal/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestToICalRoundTrip(t *testing.T) {
	ev := models.Event{
		Identifier: "uid-1",
		Title:      "Design review",
		StartDate:  time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC),
		Location:   "Room 2",
		Notes:      "Bring the mocks",
	}

	comp := toICal(ev)
	assert.Equal(t, ical.CompEvent, comp.Name)

	got, err := fromICal(comp)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", got.Identifier)
	assert.Equal(t, "Design review", got.Title)
	assert.True(t, ev.StartDate.Equal(got.StartDate))
	assert.True(t, ev.EndDate.Equal(got.EndDate))
	assert.Equal(t, "Room 2", got.Location)
	assert.Equal(t, "Bring the mocks", got.Notes)
	assert.False(t, got.AllDay)
}

func TestToICalAllDay(t *testing.T) {
	ev := models.Event{
		Identifier: "uid-2",
		Title:      "Holiday",
		StartDate:  time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 12, 26, 0, 0, 0, 0, time.UTC),
		AllDay:     true,
	}

	comp := toICal(ev)
	start := comp.Props.Get(ical.PropDateTimeStart)
	require.NotNil(t, start)
	assert.Equal(t, "20241225", start.Value)
	assert.Equal(t, ical.ValueDate, start.ValueType())

	got, err := fromICal(comp)
	require.NoError(t, err)
	assert.True(t, got.AllDay)
	assert.Equal(t, 25, got.StartDate.Day())
	assert.Equal(t, 26, got.EndDate.Day())
}

func TestApplyToICalKeepsOtherProps(t *testing.T) {
	comp := toICal(models.Event{
		Identifier: "uid-3",
		Title:      "Old",
		StartDate:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Location:   "Somewhere",
	})
	comp.Props.SetText(ical.PropCategories, "work")

	ev, err := fromICal(comp)
	require.NoError(t, err)
	require.NoError(t, ev.ApplyRecord(models.Record{models.KeyTitle: "New", models.KeyLocation: ""}))
	applyToICal(comp, ev)

	assert.Equal(t, "New", textProp(comp.Props, ical.PropSummary))
	assert.Nil(t, comp.Props.Get(ical.PropLocation))
	assert.Equal(t, "work", textProp(comp.Props, ical.PropCategories))
	assert.Equal(t, "uid-3", textProp(comp.Props, ical.PropUID))
}

func TestFromICalWithoutEnd(t *testing.T) {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, "uid-4")
	comp.Props.SetDateTime(ical.PropDateTimeStart, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	ev, err := fromICal(comp)
	require.NoError(t, err)
	assert.True(t, ev.StartDate.Equal(ev.EndDate))
}

func TestMasterEventSkipsOverrides(t *testing.T) {
	cal := newCalendar()
	override := toICal(models.Event{Identifier: "uid-5", Title: "Override"})
	override.Props.SetDateTime(ical.PropRecurrenceID, time.Date(2024, 5, 8, 9, 0, 0, 0, time.UTC))
	master := toICal(models.Event{Identifier: "uid-5", Title: "Master"})
	cal.Children = append(cal.Children, override, master)

	got := masterEvent(cal, "uid-5")
	require.NotNil(t, got)
	assert.Equal(t, "Master", textProp(got.Props, ical.PropSummary))
	assert.Nil(t, masterEvent(cal, "other"))
}

func TestRequestAccessDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			t.Errorf("request without basic auth")
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c, err := NewClient(discardLogger(), Options{
		Endpoint:     server.URL + "/",
		Username:     "user",
		Password:     "wrong",
		CalendarName: "Work",
	})
	require.NoError(t, err)

	status, err := c.GetAuthStatus(t.Context())
	require.NoError(t, err)
	assert.Equal(t, models.AuthNotDetermined, status)

	status, err = c.RequestAccess(t.Context())
	require.NoError(t, err)
	assert.Equal(t, models.AuthDenied, status)

	_, err = c.GetAllEvents(t.Context(), "2024-05-01", "2024-05-02")
	assert.ErrorIs(t, err, models.ErrAccessDenied)
}

const (
	principalPath = "/principals/user/"
	homeSetPath   = "/calendars/user/"
	workPath      = "/calendars/user/work/"
)

var (
	textMatchRe  = regexp.MustCompile(`text-match[^>]*>([^<]*)<`)
	rangeStartRe = regexp.MustCompile(`time-range[^>]*\sstart="([^"]+)"`)
	rangeEndRe   = regexp.MustCompile(`time-range[^>]*\send="([^"]+)"`)
)

// fakeCalDAV serves one principal whose home set holds a "Work" and a
// "Home" calendar. Objects of the Work calendar are kept in memory.
type fakeCalDAV struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	deletes []string
	reports []string
}

func (f *fakeCalDAV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case "PROPFIND":
		f.propfind(w, r.URL.Path)
	case "REPORT":
		f.reports = append(f.reports, string(body))
		f.report(w, string(body))
	case http.MethodPut:
		f.puts = append(f.puts, r.URL.Path)
		f.objects[r.URL.Path] = body
		w.Header().Set("ETag", `"1"`)
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.deletes = append(f.deletes, r.URL.Path)
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeCalDAV) propfind(w http.ResponseWriter, p string) {
	var responses string
	switch p {
	case "/":
		responses = davResponse(p, `<d:current-user-principal><d:href>`+principalPath+`</d:href></d:current-user-principal>`)
	case principalPath:
		responses = davResponse(p, `<c:calendar-home-set><d:href>`+homeSetPath+`</d:href></c:calendar-home-set>`)
	case homeSetPath:
		responses = davResponse(p, `<d:resourcetype><d:collection/></d:resourcetype>`) +
			davResponse(workPath, `<d:resourcetype><d:collection/><c:calendar/></d:resourcetype><d:displayname>Work</d:displayname>`) +
			davResponse("/calendars/user/home/", `<d:resourcetype><d:collection/><c:calendar/></d:resourcetype><d:displayname>Home</d:displayname>`)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeMultiStatus(w, responses)
}

// report answers calendar-query REPORTs, honouring a UID text-match and a
// VEVENT time-range.
func (f *fakeCalDAV) report(w http.ResponseWriter, query string) {
	var (
		uid        string
		start, end time.Time
	)
	if m := textMatchRe.FindStringSubmatch(query); m != nil {
		uid = m[1]
	}
	if m := rangeStartRe.FindStringSubmatch(query); m != nil {
		start, _ = time.Parse("20060102T150405Z", m[1])
	}
	if m := rangeEndRe.FindStringSubmatch(query); m != nil {
		end, _ = time.Parse("20060102T150405Z", m[1])
	}

	paths := make([]string, 0, len(f.objects))
	for p := range f.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var responses string
	for _, p := range paths {
		cal, err := ical.NewDecoder(bytes.NewReader(f.objects[p])).Decode()
		if err != nil || !hasMatchingEvent(cal, uid, start, end) {
			continue
		}
		var data bytes.Buffer
		xml.EscapeText(&data, f.objects[p])
		responses += davResponse(p, `<c:calendar-data>`+data.String()+`</c:calendar-data>`)
	}
	writeMultiStatus(w, responses)
}

func (f *fakeCalDAV) state() (objects map[string][]byte, puts, deletes, reports []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objects = make(map[string][]byte, len(f.objects))
	for k, v := range f.objects {
		objects[k] = v
	}
	return objects, append([]string(nil), f.puts...), append([]string(nil), f.deletes...), append([]string(nil), f.reports...)
}

func hasMatchingEvent(cal *ical.Calendar, uid string, start, end time.Time) bool {
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if uid != "" && textProp(comp.Props, ical.PropUID) != uid {
			continue
		}
		if !start.IsZero() && !end.IsZero() {
			s, _ := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
			e, _ := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
			if !s.Before(end) || !e.After(start) {
				continue
			}
		}
		return true
	}
	return false
}

func davResponse(href, props string) string {
	return `<d:response><d:href>` + href + `</d:href><d:propstat><d:prop>` + props +
		`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`
}

func writeMultiStatus(w http.ResponseWriter, responses string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">%s</d:multistatus>`, responses)
}

func encodeCalendar(t *testing.T, comps ...*ical.Component) []byte {
	t.Helper()
	cal := newCalendar()
	cal.Children = append(cal.Children, comps...)
	var buf bytes.Buffer
	require.NoError(t, ical.NewEncoder(&buf).Encode(cal))
	return buf.Bytes()
}

func decodeCalendar(t *testing.T, data []byte) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	require.NoError(t, err)
	return cal
}

// newFakeCalDAV seeds the Work calendar with two events stored under paths
// unrelated to their UIDs.
func newFakeCalDAV(t *testing.T) *fakeCalDAV {
	t.Helper()
	review := toICal(models.Event{
		Identifier: "review-uid",
		Title:      "Design review",
		StartDate:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Location:   "Room 2",
	})
	review.Props.SetText(ical.PropCategories, "work")
	planning := toICal(models.Event{
		Identifier: "planning-uid",
		Title:      "Quarterly Planning",
		StartDate:  time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
	})
	return &fakeCalDAV{objects: map[string][]byte{
		workPath + "imported-1.ics": encodeCalendar(t, review),
		workPath + "imported-2.ics": encodeCalendar(t, planning),
	}}
}

func newCalDAVTestClient(t *testing.T, fake *fakeCalDAV, calendarName string) *CalDAVClient {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	c, err := NewClient(discardLogger(), Options{
		Endpoint:     server.URL + "/",
		Username:     "user",
		Password:     "secret",
		CalendarName: calendarName,
	})
	require.NoError(t, err)
	return c
}

func TestRequestAccessAuthorized(t *testing.T) {
	c := newCalDAVTestClient(t, newFakeCalDAV(t), "Work")

	status, err := c.RequestAccess(t.Context())
	require.NoError(t, err)
	assert.Equal(t, models.AuthAuthorized, status)

	status, err = c.GetAuthStatus(t.Context())
	require.NoError(t, err)
	assert.Equal(t, models.AuthAuthorized, status)
}

func TestRequestAccessUnknownCalendar(t *testing.T) {
	c := newCalDAVTestClient(t, newFakeCalDAV(t), "Travel")

	status, err := c.RequestAccess(t.Context())
	assert.ErrorContains(t, err, "no calendar found with name 'Travel'")
	assert.Equal(t, models.AuthNotDetermined, status)
}

func TestCalDAVListEvents(t *testing.T) {
	fake := newFakeCalDAV(t)
	c := newCalDAVTestClient(t, fake, "Work")

	events, err := c.GetAllEvents(t.Context(), "2024-05-01T00:00:00.000Z", "2024-05-02T00:00:00.000Z")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "review-uid", events[0][models.KeyIdentifier])
	assert.Equal(t, "Design review", events[0][models.KeyTitle])
	assert.Equal(t, "2024-05-01T09:00:00.000Z", events[0][models.KeyStartDate])
	assert.Equal(t, "Room 2", events[0][models.KeyLocation])
	assert.Equal(t, "Work", events[0][models.KeyCalendar])

	_, _, _, reports := fake.state()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0], `start="20240501T000000Z"`)
	assert.Contains(t, reports[0], `end="20240502T000000Z"`)
	assert.Contains(t, reports[0], "expand")

	status, err := c.GetAuthStatus(t.Context())
	require.NoError(t, err)
	assert.Equal(t, models.AuthAuthorized, status, "first use runs discovery")

	found, err := c.GetEventsByName(t.Context(), "PLANNING", "2024-05-01", "2024-07-01")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "planning-uid", found[0][models.KeyIdentifier])
}

func TestCalDAVAddNewEvent(t *testing.T) {
	fake := newFakeCalDAV(t)
	c := newCalDAVTestClient(t, fake, "Work")

	ok, err := c.AddNewEvent(t.Context(), models.Record{
		models.KeyTitle:     "Retro",
		models.KeyStartDate: "2024-05-01T15:00:00.000Z",
		models.KeyEndDate:   "2024-05-01T16:00:00.000Z",
		models.KeyNotes:     "Bring snacks",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	objects, puts, _, _ := fake.state()
	require.Len(t, puts, 1)
	cal := decodeCalendar(t, objects[puts[0]])
	require.Len(t, cal.Children, 1)
	comp := cal.Children[0]
	uid := textProp(comp.Props, ical.PropUID)
	require.NotEmpty(t, uid)
	assert.Equal(t, workPath+uid+".ics", puts[0])
	assert.Equal(t, "Retro", textProp(comp.Props, ical.PropSummary))
	assert.Equal(t, "Bring snacks", textProp(comp.Props, ical.PropDescription))
}

func TestCalDAVUpdateEventKeepsOtherFields(t *testing.T) {
	fake := newFakeCalDAV(t)
	c := newCalDAVTestClient(t, fake, "Work")

	ok, err := c.UpdateEvent(t.Context(), models.Record{
		models.KeyIdentifier: "review-uid",
		models.KeyTitle:      "Design review v2",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	objects, puts, _, reports := fake.state()
	require.NotEmpty(t, reports)
	assert.Contains(t, reports[len(reports)-1], "review-uid")
	assert.Equal(t, []string{workPath + "imported-1.ics"}, puts)

	comp := masterEvent(decodeCalendar(t, objects[workPath+"imported-1.ics"]), "review-uid")
	require.NotNil(t, comp)
	assert.Equal(t, "Design review v2", textProp(comp.Props, ical.PropSummary))
	assert.Equal(t, "Room 2", textProp(comp.Props, ical.PropLocation))
	assert.Equal(t, "work", textProp(comp.Props, ical.PropCategories))
	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)))
}

func TestCalDAVDeleteEvent(t *testing.T) {
	fake := newFakeCalDAV(t)
	c := newCalDAVTestClient(t, fake, "Work")

	ok, err := c.DeleteEvent(t.Context(), "review-uid")
	require.NoError(t, err)
	assert.True(t, ok)

	objects, _, deletes, _ := fake.state()
	assert.Equal(t, []string{workPath + "imported-1.ics"}, deletes)
	assert.NotContains(t, objects, workPath+"imported-1.ics")
	assert.Contains(t, objects, workPath+"imported-2.ics")
}

func TestCalDAVUnknownUID(t *testing.T) {
	fake := newFakeCalDAV(t)
	c := newCalDAVTestClient(t, fake, "Work")

	ok, err := c.UpdateEvent(t.Context(), models.Record{models.KeyIdentifier: "missing", models.KeyTitle: "x"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.DeleteEvent(t.Context(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, puts, deletes, _ := fake.state()
	assert.Empty(t, puts)
	assert.Empty(t, deletes)
}
