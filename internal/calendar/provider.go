package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized indicates the provider rejected the credentials.
	ErrUnauthorized = errors.New("calendar: provider rejected credentials")
	// ErrNotFound indicates the requested event does not exist.
	ErrNotFound = errors.New("calendar: event not found")
)

// Session represents an authenticated provider session.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Provider abstracts the external calendar API consumed by the sync engine.
// Implementations must return events from ListEvents ordered by start time
// and must treat a not-found response on DeleteEvent as a successful no-op.
type Provider interface {
	Authenticate(ctx context.Context, credentialRef string) (Session, error)
	ListEvents(ctx context.Context, session Session, calendarID string, timeMin, timeMax time.Time) ([]Event, error)
	GetEvent(ctx context.Context, session Session, calendarID, eventID string) (Event, error)
	CreateEvent(ctx context.Context, session Session, calendarID string, draft Event) (Event, error)
	UpdateEvent(ctx context.Context, session Session, calendarID, eventID string, patch Event) (Event, error)
	DeleteEvent(ctx context.Context, session Session, calendarID, eventID string) error
}
