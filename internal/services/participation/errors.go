package participation

import "errors"

// Rejections. Each one is an expected outcome of a precondition failing and
// leaves the store untouched.
var (
	ErrEventNotFound     = errors.New("event not found")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrEventFull         = errors.New("event full")
	ErrDeadlinePassed    = errors.New("signup deadline passed")
	ErrEmailNotFound     = errors.New("email not found")
	ErrWouldHaveNoHosts  = errors.New("event will have no hosts")
	ErrInvalidRole       = errors.New("invalid role")

	ErrCalendarEventIDChanged = errors.New("calendar event id changed concurrently")
)

var rejections = []error{
	ErrEventNotFound,
	ErrAlreadyRegistered,
	ErrEventFull,
	ErrDeadlinePassed,
	ErrEmailNotFound,
	ErrWouldHaveNoHosts,
	ErrInvalidRole,
	ErrCalendarEventIDChanged,
}

// IsRejection reports whether err is one of the expected transition outcomes
// rather than an infrastructure failure.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
