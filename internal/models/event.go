package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Role is the part a participant plays in an event.
type Role string

const (
	RoleHost        Role = "HOST"
	RoleParticipant Role = "PARTICIPANT"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleParticipant
}

// MaxCategoryNameLength bounds the length of a category name, in runes.
const MaxCategoryNameLength = 50

// Event represents a shared event people can sign up for.
// A ParticipantLimit of zero means the event has no capacity limit.
type Event struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          time.Time  `json:"endTime"`
	Location         string     `json:"location"`
	Public           bool       `json:"public"`
	ParticipantLimit int        `json:"participantLimit"`
	SignupDeadline   *time.Time `json:"signupDeadline,omitempty"`
}

// SignupClosed reports whether the signup deadline has passed at now.
// Events without a deadline never close.
func (e Event) SignupClosed(now time.Time) bool {
	return e.SignupDeadline != nil && now.After(*e.SignupDeadline)
}

// Participant is a person registered for an event, either as host or participant.
// CalendarEventID is the identifier the calendar provider returned when the
// participant's calendar entry was created; it is empty until then.
type Participant struct {
	Email           string `json:"email"`
	Name            string `json:"name"`
	Role            Role   `json:"type"`
	CalendarEventID string `json:"-"`
}

// Category is a global tag that can be attached to many events.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FullEvent is an event together with its hosts, participants and categories.
type FullEvent struct {
	Event        Event         `json:"event"`
	Hosts        []Participant `json:"hosts"`
	Participants []Participant `json:"participants"`
	Categories   []Category    `json:"categories"`
}

// Attendees returns hosts followed by participants.
func (f FullEvent) Attendees() []Participant {
	attendees := make([]Participant, 0, len(f.Hosts)+len(f.Participants))
	attendees = append(attendees, f.Hosts...)
	return append(attendees, f.Participants...)
}

// Emails returns the e-mail address of every participant in ps.
func Emails(ps []Participant) []string {
	emails := make([]string, 0, len(ps))
	for _, p := range ps {
		emails = append(emails, p.Email)
	}
	return emails
}

// NormalizeEmail lower-cases and trims an e-mail address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CategoryKey folds a category name so that names differing only in case collide.
func CategoryKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
