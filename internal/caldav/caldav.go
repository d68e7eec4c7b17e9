package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"eventsync/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// DefaultEndpoint is the iCloud CalDAV server.
const DefaultEndpoint = "https://caldav.icloud.com/"

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "eventsync/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient writes attendee invitations to a calendar collection on a
// CalDAV server. The external id of an entry is its iCalendar UID.
type CalDAVClient struct {
	caldavClient *caldav.Client
	httpClient   *http.Client
	logger       *slog.Logger
	endpoint     *url.URL
	calendarPath string
	organizer    string
}

// NewClient connects to endpoint and looks up the calendar called calendarName.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName string) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav endpoint %q: %w", endpoint, err)
	}

	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	caldavClient, err := caldav.NewClient(webdav.HTTPClient(httpClient), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &CalDAVClient{
		caldavClient: caldavClient,
		httpClient:   httpClient,
		logger:       logger,
		endpoint:     base,
		organizer:    username,
	}

	logger.Info("Finding CalDAV calendar", "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)

	return c, nil
}

// CreateEvent stores a new entry for attendee and returns its UID.
func (c *CalDAVClient) CreateEvent(ctx context.Context, event models.Event, attendee models.Participant) (string, error) {
	uid := GenerateUID()
	if err := c.put(ctx, uid, event, attendee); err != nil {
		return "", err
	}
	return uid, nil
}

// UpdateEvent overwrites the entry. PUT recreates an entry that was removed
// on the server, so a vanished entry is not an error here.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, externalID string, event models.Event, attendee models.Participant) error {
	return c.put(ctx, externalID, event, attendee)
}

// DeleteEvent removes the entry with the given UID.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, externalID string) error {
	c.logger.Debug("Deleting CalDAV event", "uid", externalID)

	target := c.endpoint.ResolveReference(&url.URL{Path: c.objectPath(externalID)})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete event on CalDAV server: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return models.ErrCalendarEventNotFound
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("failed to delete event on CalDAV server: %s", resp.Status)
	}

	return nil
}

func (c *CalDAVClient) put(ctx context.Context, uid string, event models.Event, attendee models.Participant) error {
	c.logger.Debug("Writing event to CalDAV server", "eventTitle", event.Title, "uid", uid)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//eventsync//EN")
	cal.Children = append(cal.Children, c.toICal(uid, event, attendee))

	if _, err := c.caldavClient.PutCalendarObject(ctx, c.objectPath(uid), cal); err != nil {
		return fmt.Errorf("failed to put event on CalDAV server: %w", err)
	}

	c.logger.Info("Successfully wrote event to CalDAV server", "eventTitle", event.Title, "uid", uid)
	return nil
}

func (c *CalDAVClient) objectPath(uid string) string {
	return path.Join(c.calendarPath, uid+".ics")
}

// toICal converts an event to a VEVENT inviting attendee.
func (c *CalDAVClient) toICal(uid string, event models.Event, attendee models.Participant) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime)

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	if strings.Contains(c.organizer, "@") {
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = "mailto:" + c.organizer
		ve.Props.Add(p)
	}

	p := ical.NewProp(ical.PropAttendee)
	p.Value = "mailto:" + attendee.Email
	if attendee.Name != "" {
		p.Params.Set(ical.ParamCommonName, attendee.Name)
	}
	ve.Props.Add(p)

	return ve
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

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
