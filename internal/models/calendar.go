package models

import "errors"

// ErrCalendarEventNotFound is returned by calendar providers when the entry
// behind an external id no longer exists.
var ErrCalendarEventNotFound = errors.New("calendar event not found")
