package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/AniOM76/om76-mcss/internal/calendar"
	"go.uber.org/zap"
)

const defaultCallTimeout = 30 * time.Second

var (
	// ErrUnknownCalendar indicates the source calendar has no active
	// configuration. This is a configuration error and is never retried.
	ErrUnknownCalendar = errors.New("sync: source calendar not configured")

	errEngineMissingStore    = errors.New("sync: store dependency is required")
	errEngineMissingProvider = errors.New("sync: provider dependency is required")
)

// EngineConfig describes the explicit dependencies of the fan-out engine.
type EngineConfig struct {
	Store       *Store
	Provider    calendar.Provider
	IDProvider  IDProvider
	Logger      *zap.Logger
	Clock       func() time.Time
	CallTimeout time.Duration
}

// Engine propagates source event changes to every other active calendar as
// privacy-preserving block events and keeps the mapping store consistent.
type Engine struct {
	store       *Store
	provider    calendar.Provider
	idProvider  IDProvider
	logger      *zap.Logger
	clock       func() time.Time
	callTimeout time.Duration
	locks       *keyedMutex
}

// Result summarizes one fan-out operation.
type Result struct {
	SuccessCount int
	TotalTargets int
}

// NewEngine constructs the fan-out engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errEngineMissingStore
	}
	if cfg.Provider == nil {
		return nil, errEngineMissingProvider
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Engine{
		store:       cfg.Store,
		provider:    cfg.Provider,
		idProvider:  idProvider,
		logger:      logger,
		clock:       clock,
		callTimeout: callTimeout,
		locks:       newKeyedMutex(),
	}, nil
}

func originKey(eventID, calendarID string) string {
	return eventID + "\x00" + calendarID
}

// SyncEventAcrossCalendars creates a block event on every other active
// calendar for a new source event and records the mapping.
func (e *Engine) SyncEventAcrossCalendars(ctx context.Context, event calendar.Event, sourceCalendarID string) (Result, error) {
	unlock := e.locks.Lock(originKey(event.ID, sourceCalendarID))
	defer unlock()
	return e.syncEvent(ctx, event, sourceCalendarID)
}

// UpdateEventAcrossCalendars applies a changed time span to every recorded
// block event. An update for an untracked event degrades to a first-time sync.
func (e *Engine) UpdateEventAcrossCalendars(ctx context.Context, event calendar.Event, sourceCalendarID string) (Result, error) {
	unlock := e.locks.Lock(originKey(event.ID, sourceCalendarID))
	defer unlock()
	return e.updateEvent(ctx, event, sourceCalendarID)
}

// DeleteEventAcrossCalendars removes every recorded block event and the
// mapping itself. Re-invoking on an already-deleted mapping is a no-op.
func (e *Engine) DeleteEventAcrossCalendars(ctx context.Context, eventID, sourceCalendarID string) (Result, error) {
	unlock := e.locks.Lock(originKey(eventID, sourceCalendarID))
	defer unlock()
	return e.deleteEvent(ctx, eventID, sourceCalendarID)
}

// HandleJob is the queue handler entry point. Cancelled events tear down
// their placeholders; anything else applies an update, which degrades to a
// first-time sync when no mapping exists yet.
func (e *Engine) HandleJob(ctx context.Context, event calendar.Event, sourceCalendarID string) error {
	if event.Status == calendar.StatusCancelled {
		_, err := e.DeleteEventAcrossCalendars(ctx, event.ID, sourceCalendarID)
		return err
	}
	_, err := e.UpdateEventAcrossCalendars(ctx, event, sourceCalendarID)
	return err
}

func (e *Engine) syncEvent(ctx context.Context, event calendar.Event, sourceCalendarID string) (Result, error) {
	e.store.LogActivity(ctx, "sync_started", sourceCalendarID, event.ID, LogStatusInfo, "Starting sync process", nil)

	configs, err := e.store.ActiveConfigs(ctx)
	if err != nil {
		return e.failSync(ctx, sourceCalendarID, event.ID, err)
	}

	sourceConfig, targets, found := splitSource(configs, sourceCalendarID)
	if !found {
		err := fmt.Errorf("%w: %s", ErrUnknownCalendar, sourceCalendarID)
		return e.failSync(ctx, sourceCalendarID, event.ID, err)
	}

	if len(targets) == 0 {
		e.logger.Info("no target calendars for sync", zap.String("source_calendar_id", sourceCalendarID))
		return Result{}, nil
	}

	mappingID, err := e.idProvider.NewID()
	if err != nil {
		return e.failSync(ctx, sourceCalendarID, event.ID, err)
	}
	mapping := EventMapping{
		ID:                 mappingID,
		OriginalEventID:    event.ID,
		OriginalCalendarID: sourceCalendarID,
		OriginalSummary:    event.Summary,
		EventStart:         event.Start.Value(),
		EventEnd:           event.End.Value(),
		SyncStatus:         SyncStatusPending,
	}
	if err := e.store.CreateMapping(ctx, mapping); err != nil {
		return e.failSync(ctx, sourceCalendarID, event.ID, err)
	}

	successCount := e.forEachTarget(ctx, targets, func(callCtx context.Context, target CalendarConfig) error {
		session, err := e.provider.Authenticate(callCtx, target.CredentialRef)
		if err != nil {
			return err
		}
		draft := buildBlockDraft(event, sourceConfig.CalendarAlias)
		created, err := e.provider.CreateEvent(callCtx, session, target.CalendarID, draft)
		if err != nil {
			return err
		}
		block := BlockEvent{
			MappingID:        mappingID,
			BlockEventID:     created.ID,
			TargetCalendarID: target.CalendarID,
			BlockTitle:       draft.Summary,
		}
		if err := e.store.CreateBlockEvent(ctx, block); err != nil {
			return err
		}
		e.store.LogActivity(ctx, "block_created", target.CalendarID, created.ID, LogStatusSuccess,
			fmt.Sprintf("Block event created for %s", sourceConfig.CalendarAlias), nil)
		return nil
	}, "block_failed", "Failed to create block event")

	if err := e.store.UpdateMappingStatus(ctx, mappingID, SyncStatusCompleted); err != nil {
		return e.failSync(ctx, sourceCalendarID, event.ID, err)
	}
	e.store.LogActivity(ctx, "sync_completed", sourceCalendarID, event.ID, LogStatusSuccess,
		fmt.Sprintf("Sync completed: %d/%d block events created", successCount, len(targets)), nil)
	e.logger.Info("sync completed",
		zap.String("event_id", event.ID),
		zap.Int("success_count", successCount),
		zap.Int("total_targets", len(targets)))

	return Result{SuccessCount: successCount, TotalTargets: len(targets)}, nil
}

func (e *Engine) updateEvent(ctx context.Context, event calendar.Event, sourceCalendarID string) (Result, error) {
	e.store.LogActivity(ctx, "update_started", sourceCalendarID, event.ID, LogStatusInfo, "Starting update process", nil)

	mapping, err := e.store.MappingByOrigin(ctx, event.ID, sourceCalendarID)
	if errors.Is(err, ErrMappingNotFound) {
		e.logger.Info("no mapping for updated event, creating new sync", zap.String("event_id", event.ID))
		return e.syncEvent(ctx, event, sourceCalendarID)
	}
	if err != nil {
		return e.failOperation(ctx, "update_failed", sourceCalendarID, event.ID, err)
	}

	blocks, err := e.store.BlocksByMapping(ctx, mapping.ID)
	if err != nil {
		return e.failOperation(ctx, "update_failed", sourceCalendarID, event.ID, err)
	}
	configs, err := e.store.ActiveConfigs(ctx)
	if err != nil {
		return e.failOperation(ctx, "update_failed", sourceCalendarID, event.ID, err)
	}
	configByID := indexConfigs(configs)

	successCount := e.forEachBlock(ctx, blocks, func(callCtx context.Context, block BlockEvent) error {
		target, ok := configByID[block.TargetCalendarID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCalendar, block.TargetCalendarID)
		}
		session, err := e.provider.Authenticate(callCtx, target.CredentialRef)
		if err != nil {
			return err
		}
		patch := calendar.Event{
			Start:       event.Start,
			End:         event.End,
			Description: blockDescription(),
		}
		_, err = e.provider.UpdateEvent(callCtx, session, block.TargetCalendarID, block.BlockEventID, patch)
		if err != nil {
			return err
		}
		e.store.LogActivity(ctx, "block_updated", block.TargetCalendarID, block.BlockEventID, LogStatusSuccess,
			"Block event updated successfully", nil)
		return nil
	}, "block_update_failed", "Update failed")

	if err := e.store.UpdateMappingSnapshot(ctx, mapping.ID, event.Summary, event.Start.Value(), event.End.Value()); err != nil {
		return e.failOperation(ctx, "update_failed", sourceCalendarID, event.ID, err)
	}
	e.store.LogActivity(ctx, "update_completed", sourceCalendarID, event.ID, LogStatusSuccess,
		fmt.Sprintf("Update completed: %d/%d block events updated", successCount, len(blocks)), nil)

	return Result{SuccessCount: successCount, TotalTargets: len(blocks)}, nil
}

func (e *Engine) deleteEvent(ctx context.Context, eventID, sourceCalendarID string) (Result, error) {
	e.store.LogActivity(ctx, "delete_started", sourceCalendarID, eventID, LogStatusInfo, "Starting delete process", nil)

	mapping, err := e.store.MappingByOrigin(ctx, eventID, sourceCalendarID)
	if errors.Is(err, ErrMappingNotFound) {
		e.logger.Info("no mapping for deleted event", zap.String("event_id", eventID))
		e.store.LogActivity(ctx, "delete_skipped", sourceCalendarID, eventID, LogStatusInfo,
			"No mapping found for deleted event", nil)
		return Result{}, nil
	}
	if err != nil {
		return e.failOperation(ctx, "delete_failed", sourceCalendarID, eventID, err)
	}

	blocks, err := e.store.BlocksByMapping(ctx, mapping.ID)
	if err != nil {
		return e.failOperation(ctx, "delete_failed", sourceCalendarID, eventID, err)
	}
	configs, err := e.store.ActiveConfigs(ctx)
	if err != nil {
		return e.failOperation(ctx, "delete_failed", sourceCalendarID, eventID, err)
	}
	configByID := indexConfigs(configs)

	successCount := e.forEachBlock(ctx, blocks, func(callCtx context.Context, block BlockEvent) error {
		target, ok := configByID[block.TargetCalendarID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCalendar, block.TargetCalendarID)
		}
		session, err := e.provider.Authenticate(callCtx, target.CredentialRef)
		if err != nil {
			return err
		}
		if err := e.provider.DeleteEvent(callCtx, session, block.TargetCalendarID, block.BlockEventID); err != nil {
			return err
		}
		e.store.LogActivity(ctx, "block_deleted", block.TargetCalendarID, block.BlockEventID, LogStatusSuccess,
			"Block event deleted successfully", nil)
		return nil
	}, "block_delete_failed", "Delete failed")

	// Failed target deletes are logged, not retried; the mapping is removed
	// regardless so a re-delivered delete stays idempotent.
	if err := e.store.DeleteMapping(ctx, mapping.ID); err != nil {
		return e.failOperation(ctx, "delete_failed", sourceCalendarID, eventID, err)
	}
	e.store.LogActivity(ctx, "delete_completed", sourceCalendarID, eventID, LogStatusSuccess,
		fmt.Sprintf("Delete completed: %d/%d block events removed", successCount, len(blocks)), nil)

	return Result{SuccessCount: successCount, TotalTargets: len(blocks)}, nil
}

// forEachTarget runs op concurrently against every target under the per-call
// deadline and returns how many settled without error. All targets run to
// completion; one failure never aborts its siblings.
func (e *Engine) forEachTarget(ctx context.Context, targets []CalendarConfig, op func(context.Context, CalendarConfig) error, failType, failMessage string) int {
	var wg gosync.WaitGroup
	outcomes := make(chan error, len(targets))

	for _, target := range targets {
		wg.Add(1)
		go func(target CalendarConfig) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
			err := op(callCtx, target)
			if err != nil {
				e.store.LogActivity(ctx, failType, target.CalendarID, "", LogStatusError,
					fmt.Sprintf("%s: %v", failMessage, err), nil)
			}
			outcomes <- err
		}(target)
	}
	wg.Wait()
	close(outcomes)

	successCount := 0
	for err := range outcomes {
		if err == nil {
			successCount++
		}
	}
	return successCount
}

func (e *Engine) forEachBlock(ctx context.Context, blocks []BlockEvent, op func(context.Context, BlockEvent) error, failType, failMessage string) int {
	var wg gosync.WaitGroup
	outcomes := make(chan error, len(blocks))

	for _, block := range blocks {
		wg.Add(1)
		go func(block BlockEvent) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
			err := op(callCtx, block)
			if err != nil {
				e.store.LogActivity(ctx, failType, block.TargetCalendarID, block.BlockEventID, LogStatusError,
					fmt.Sprintf("%s: %v", failMessage, err), nil)
			}
			outcomes <- err
		}(block)
	}
	wg.Wait()
	close(outcomes)

	successCount := 0
	for err := range outcomes {
		if err == nil {
			successCount++
		}
	}
	return successCount
}

func (e *Engine) failSync(ctx context.Context, calendarID, eventID string, cause error) (Result, error) {
	return e.failOperation(ctx, "sync_failed", calendarID, eventID, cause)
}

func (e *Engine) failOperation(ctx context.Context, eventType, calendarID, eventID string, cause error) (Result, error) {
	e.store.LogActivity(ctx, eventType, calendarID, eventID, LogStatusError, cause.Error(), nil)
	return Result{}, cause
}

func splitSource(configs []CalendarConfig, sourceCalendarID string) (CalendarConfig, []CalendarConfig, bool) {
	var source CalendarConfig
	found := false
	targets := make([]CalendarConfig, 0, len(configs))
	for _, config := range configs {
		if config.CalendarID == sourceCalendarID {
			source = config
			found = true
			continue
		}
		targets = append(targets, config)
	}
	return source, targets, found
}

func indexConfigs(configs []CalendarConfig) map[string]CalendarConfig {
	index := make(map[string]CalendarConfig, len(configs))
	for _, config := range configs {
		index[config.CalendarID] = config
	}
	return index
}

func buildBlockDraft(event calendar.Event, sourceAlias string) calendar.Event {
	return calendar.Event{
		Summary:      fmt.Sprintf("%s Block", sourceAlias),
		Description:  blockDescription(),
		Start:        event.Start,
		End:          event.End,
		Visibility:   "private",
		Transparency: "opaque",
		ExtendedProperties: &calendar.ExtendedProperties{
			Private: map[string]string{calendar.MarkerKey: calendar.MarkerValue},
		},
	}
}

func blockDescription() string {
	return fmt.Sprintf("Private block event created by %s", Marker)
}
