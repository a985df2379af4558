package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AniOM76/om76-mcss/internal/calendar"
	"go.uber.org/zap"
)

const (
	defaultLookback  = time.Hour
	defaultLookahead = 24 * time.Hour

	// PriorityHigh is used for directly user-triggered resyncs.
	PriorityHigh = "high"
	// PriorityNormal is used for webhook-triggered detection.
	PriorityNormal = "normal"
)

var (
	// ErrInactiveCalendar indicates the calendar is configured but deactivated.
	ErrInactiveCalendar = errors.New("sync: calendar is inactive")
	// ErrBlockEvent indicates a manual sync was requested for a placeholder.
	ErrBlockEvent = errors.New("sync: refusing to sync a block event")

	errDetectorMissingStore    = errors.New("sync: detector store dependency is required")
	errDetectorMissingProvider = errors.New("sync: detector provider dependency is required")
	errDetectorMissingQueue    = errors.New("sync: detector queue dependency is required")
)

// JobQueue is the enqueue-side contract the detector submits work to.
type JobQueue interface {
	Enqueue(ctx context.Context, event calendar.Event, sourceCalendarID, priority string) (string, error)
}

// DetectorConfig describes the change detector dependencies.
type DetectorConfig struct {
	Store     *Store
	Provider  calendar.Provider
	Queue     JobQueue
	Logger    *zap.Logger
	Clock     func() time.Time
	Lookback  time.Duration
	Lookahead time.Duration
}

// Detector queries a source calendar for recently changed events and feeds
// every genuine (non-placeholder) change into the sync job queue. It never
// mutates the mapping store.
type Detector struct {
	store     *Store
	provider  calendar.Provider
	queue     JobQueue
	logger    *zap.Logger
	clock     func() time.Time
	lookback  time.Duration
	lookahead time.Duration
}

// NewDetector constructs the change detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Store == nil {
		return nil, errDetectorMissingStore
	}
	if cfg.Provider == nil {
		return nil, errDetectorMissingProvider
	}
	if cfg.Queue == nil {
		return nil, errDetectorMissingQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = defaultLookahead
	}
	return &Detector{
		store:     cfg.Store,
		provider:  cfg.Provider,
		queue:     cfg.Queue,
		logger:    logger,
		clock:     clock,
		lookback:  lookback,
		lookahead: lookahead,
	}, nil
}

// DetectChanges lists events changed inside the detection window and queues
// one sync job per genuine event. It returns the number of jobs queued.
func (d *Detector) DetectChanges(ctx context.Context, calendarID, priority string) (int, error) {
	config, err := d.activeConfig(ctx, calendarID)
	if err != nil {
		return 0, err
	}

	session, err := d.provider.Authenticate(ctx, config.CredentialRef)
	if err != nil {
		return 0, fmt.Errorf("sync: authenticate %s: %w", calendarID, err)
	}

	now := d.clock()
	events, err := d.provider.ListEvents(ctx, session, calendarID, now.Add(-d.lookback), now.Add(d.lookahead))
	if err != nil {
		return 0, fmt.Errorf("sync: list events for %s: %w", calendarID, err)
	}

	queued := 0
	for _, event := range events {
		if IsBlockEvent(event, config.CalendarAlias) {
			continue
		}
		if _, err := d.queue.Enqueue(ctx, event, calendarID, priority); err != nil {
			return queued, fmt.Errorf("sync: enqueue event %s: %w", event.ID, err)
		}
		d.logger.Debug("queued sync for event",
			zap.String("event_id", event.ID),
			zap.String("summary", event.Summary))
		queued++
	}

	return queued, nil
}

// DetectSingle fetches one event and queues it at high priority. Placeholders
// are rejected so a manual resync can never re-propagate a block event.
func (d *Detector) DetectSingle(ctx context.Context, calendarID, eventID string) (string, error) {
	config, err := d.activeConfig(ctx, calendarID)
	if err != nil {
		return "", err
	}

	session, err := d.provider.Authenticate(ctx, config.CredentialRef)
	if err != nil {
		return "", fmt.Errorf("sync: authenticate %s: %w", calendarID, err)
	}

	event, err := d.provider.GetEvent(ctx, session, calendarID, eventID)
	if err != nil {
		return "", fmt.Errorf("sync: fetch event %s: %w", eventID, err)
	}
	if IsBlockEvent(event, config.CalendarAlias) {
		return "", ErrBlockEvent
	}

	jobID, err := d.queue.Enqueue(ctx, event, calendarID, PriorityHigh)
	if err != nil {
		return "", fmt.Errorf("sync: enqueue event %s: %w", eventID, err)
	}
	d.store.LogActivity(ctx, "manual_sync_requested", calendarID, eventID, LogStatusInfo, "Manual sync job queued", nil)
	return jobID, nil
}

func (d *Detector) activeConfig(ctx context.Context, calendarID string) (CalendarConfig, error) {
	config, err := d.store.ConfigByID(ctx, calendarID)
	if err != nil {
		return CalendarConfig{}, err
	}
	if !config.IsActive {
		return CalendarConfig{}, fmt.Errorf("%w: %s", ErrInactiveCalendar, calendarID)
	}
	return config, nil
}
