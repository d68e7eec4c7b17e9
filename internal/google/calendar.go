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
	"time"

	"eventsync/internal/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	credentialsFile = "credentials.json"

	// eventIDProperty links a calendar entry back to the event it was created for.
	eventIDProperty = "eventsyncEventId"
)

// CalendarClient writes attendee invitations to a Google Calendar.
type CalendarClient struct {
	service    *calendar.Service
	logger     *slog.Logger
	calendarID string
}

// NewClient creates a new Google Calendar client authenticated with the
// token stored in tokenFile by the 'auth' command. Entries are written to
// calendarID, "primary" when empty.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, tokenFile, calendarID string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token from %s: %w. Please run the 'auth' command first", tokenFile, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	if calendarID == "" {
		calendarID = "primary"
	}

	return &CalendarClient{service: service, logger: logger, calendarID: calendarID}, nil
}

// CreateEvent inserts a calendar entry inviting attendee and returns its id.
// Google e-mails the invitation itself.
func (c *CalendarClient) CreateEvent(ctx context.Context, event models.Event, attendee models.Participant) (string, error) {
	c.logger.Debug("Creating Google Calendar event", "title", event.Title, "attendee", attendee.Email)

	created, err := c.service.Events.Insert(c.calendarID, toGoogleEvent(event, attendee)).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}

	return created.Id, nil
}

// UpdateEvent overwrites the entry with the current event details.
func (c *CalendarClient) UpdateEvent(ctx context.Context, externalID string, event models.Event, attendee models.Participant) error {
	c.logger.Debug("Updating Google Calendar event", "title", event.Title, "id", externalID)

	_, err := c.service.Events.Update(c.calendarID, externalID, toGoogleEvent(event, attendee)).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to update event: %w", notFound(err))
	}

	return nil
}

// DeleteEvent removes the entry and notifies its attendee.
func (c *CalendarClient) DeleteEvent(ctx context.Context, externalID string) error {
	c.logger.Debug("Deleting Google Calendar event", "id", externalID)

	err := c.service.Events.Delete(c.calendarID, externalID).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", notFound(err))
	}

	return nil
}

// toGoogleEvent converts an event to the Google Calendar representation with
// attendee as its only guest.
func toGoogleEvent(event models.Event, attendee models.Participant) *calendar.Event {
	return &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start: &calendar.EventDateTime{
			DateTime: event.StartTime.Format(time.RFC3339),
			TimeZone: timeZone(event.StartTime),
		},
		End: &calendar.EventDateTime{
			DateTime: event.EndTime.Format(time.RFC3339),
			TimeZone: timeZone(event.EndTime),
		},
		Attendees: []*calendar.EventAttendee{
			{Email: attendee.Email, DisplayName: attendee.Name},
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{eventIDProperty: event.ID.String()},
		},
		GuestsCanModify: false,
	}
}

// timeZone returns the IANA name of t's location. The process-local zone has
// no such name and is left out; the offset in DateTime still fixes the instant.
func timeZone(t time.Time) string {
	if name := t.Location().String(); name != "Local" {
		return name
	}
	return ""
}

// notFound maps the API's 404 and 410 answers to models.ErrCalendarEventNotFound.
func notFound(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		return models.ErrCalendarEventNotFound
	}
	return err
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
			Scopes:       []string{calendar.CalendarEventsScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to exchange an authorization code for a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path readable only by the owner.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
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
