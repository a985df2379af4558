package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/AniOM76/om76-mcss/internal/calendar"
)

func TestSyncCreatesBlockEventsOnAllTargets(t *testing.T) {
	store, db := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
		activeConfig("cal-c@example.com", "Calendar 03"),
	)
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	result, err := engine.SyncEventAcrossCalendars(context.Background(), event, "cal-a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SuccessCount != 2 || result.TotalTargets != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	mapping, err := store.MappingByOrigin(context.Background(), "evt-1", "cal-a@example.com")
	if err != nil {
		t.Fatalf("expected mapping: %v", err)
	}
	if mapping.SyncStatus != SyncStatusCompleted {
		t.Fatalf("expected completed mapping, got %s", mapping.SyncStatus)
	}
	if mapping.EventStart != "2026-09-01T10:00:00Z" || mapping.EventEnd != "2026-09-01T11:00:00Z" {
		t.Fatalf("unexpected mapping span: %s .. %s", mapping.EventStart, mapping.EventEnd)
	}

	blocks, err := store.BlocksByMapping(context.Background(), "mapping-1")
	if err != nil {
		t.Fatalf("failed to list blocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 block rows, got %d", len(blocks))
	}
	for _, block := range blocks {
		if block.BlockTitle != "Calendar 01 Block" {
			t.Fatalf("unexpected block title %q", block.BlockTitle)
		}
		placed := provider.storedEvent(t, block.TargetCalendarID, block.BlockEventID)
		if placed.Start.Value() != "2026-09-01T10:00:00Z" || placed.End.Value() != "2026-09-01T11:00:00Z" {
			t.Fatalf("placeholder does not mirror source span: %+v", placed)
		}
		if !placed.HasMarker() {
			t.Fatalf("placeholder missing generated-block marker")
		}
		if placed.Visibility != "private" || placed.Transparency != "opaque" {
			t.Fatalf("placeholder missing privacy attributes: %+v", placed)
		}
	}

	if mustLogCount(t, db, "block_created") != 2 {
		t.Fatalf("expected 2 block_created log entries")
	}
	if mustLogCount(t, db, "sync_completed") != 1 {
		t.Fatalf("expected sync_completed log entry")
	}
}

func TestSyncPartialFailureRecordsOnlySuccessfulBlocks(t *testing.T) {
	store, db := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
		activeConfig("cal-c@example.com", "Calendar 03"),
	)
	provider := newFakeProvider()
	provider.failCreate["cal-c@example.com"] = true
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	result, err := engine.SyncEventAcrossCalendars(context.Background(), event, "cal-a@example.com")
	if err != nil {
		t.Fatalf("partial target failure must not fail the operation: %v", err)
	}
	if result.SuccessCount != 1 || result.TotalTargets != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	blocks, err := store.BlocksByMapping(context.Background(), "mapping-1")
	if err != nil {
		t.Fatalf("failed to list blocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("failed target must not produce a block row, got %d rows", len(blocks))
	}
	if blocks[0].TargetCalendarID != "cal-b@example.com" {
		t.Fatalf("unexpected block target %s", blocks[0].TargetCalendarID)
	}

	mapping, err := store.MappingByOrigin(context.Background(), "evt-1", "cal-a@example.com")
	if err != nil {
		t.Fatalf("expected mapping: %v", err)
	}
	if mapping.SyncStatus != SyncStatusCompleted {
		t.Fatalf("partial failure must still complete the mapping, got %s", mapping.SyncStatus)
	}
	if mustLogCount(t, db, "block_failed") != 1 {
		t.Fatalf("expected block_failed log entry")
	}
}

func TestSyncIsolatesAuthFailurePerTarget(t *testing.T) {
	store, _ := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
		activeConfig("cal-c@example.com", "Calendar 03"),
	)
	provider := newFakeProvider()
	provider.failAuth["refresh-cal-b@example.com"] = true
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	result, err := engine.SyncEventAcrossCalendars(context.Background(), event, "cal-a@example.com")
	if err != nil {
		t.Fatalf("auth failure on one target must not abort: %v", err)
	}
	if result.SuccessCount != 1 || result.TotalTargets != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if provider.eventCount("cal-c@example.com") != 1 {
		t.Fatalf("sibling target should still receive its placeholder")
	}
}

func TestSyncUnknownSourceCalendarAborts(t *testing.T) {
	store, db := newTestStore(t)
	seedConfigs(t, store, activeConfig("cal-b@example.com", "Calendar 02"))
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	_, err := engine.SyncEventAcrossCalendars(context.Background(), event, "ghost@example.com")
	if !errors.Is(err, ErrUnknownCalendar) {
		t.Fatalf("expected ErrUnknownCalendar, got %v", err)
	}
	if _, lookupErr := store.MappingByOrigin(context.Background(), "evt-1", "ghost@example.com"); !errors.Is(lookupErr, ErrMappingNotFound) {
		t.Fatalf("no mapping should exist after abort")
	}
	if mustLogCount(t, db, "sync_failed") != 1 {
		t.Fatalf("expected sync_failed log entry")
	}
}

func TestSyncWithoutTargetsIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	seedConfigs(t, store, activeConfig("cal-a@example.com", "Calendar 01"))
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	result, err := engine.SyncEventAcrossCalendars(context.Background(), event, "cal-a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SuccessCount != 0 || result.TotalTargets != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if _, lookupErr := store.MappingByOrigin(context.Background(), "evt-1", "cal-a@example.com"); !errors.Is(lookupErr, ErrMappingNotFound) {
		t.Fatalf("no mapping should be created without targets")
	}
}

func TestUpdateMovesBlockEventsAndRefreshesMapping(t *testing.T) {
	store, _ := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
		activeConfig("cal-c@example.com", "Calendar 03"),
	)
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	if _, err := engine.SyncEventAcrossCalendars(context.Background(), event, "cal-a@example.com"); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	moved := timedEvent("evt-1", "Dentist", "2026-09-01T12:00:00Z", "2026-09-01T13:00:00Z")
	result, err := engine.UpdateEventAcrossCalendars(context.Background(), moved, "cal-a@example.com")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if result.SuccessCount != 2 || result.TotalTargets != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	blocks, err := store.BlocksByMapping(context.Background(), "mapping-1")
	if err != nil {
		t.Fatalf("failed to list blocks: %v", err)
	}
	for _, block := range blocks {
		placed := provider.storedEvent(t, block.TargetCalendarID, block.BlockEventID)
		if placed.Start.Value() != "2026-09-01T12:00:00Z" {
			t.Fatalf("placeholder start not moved: %+v", placed)
		}
	}

	mapping, err := store.MappingByOrigin(context.Background(), "evt-1", "cal-a@example.com")
	if err != nil {
		t.Fatalf("expected mapping: %v", err)
	}
	if mapping.EventStart != "2026-09-01T12:00:00Z" || mapping.EventEnd != "2026-09-01T13:00:00Z" {
		t.Fatalf("mapping snapshot not refreshed: %s .. %s", mapping.EventStart, mapping.EventEnd)
	}
}

func TestUpdateWithoutMappingDegradesToSync(t *testing.T) {
	store, _ := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
	)
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-untracked", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	result, err := engine.UpdateEventAcrossCalendars(context.Background(), event, "cal-a@example.com")
	if err != nil {
		t.Fatalf("degraded update failed: %v", err)
	}
	if result.SuccessCount != 1 || result.TotalTargets != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := store.MappingByOrigin(context.Background(), "evt-untracked", "cal-a@example.com"); err != nil {
		t.Fatalf("degraded update must create a mapping: %v", err)
	}
}

func TestUpdateLeavesStalePlaceholderOnUnreachableTarget(t *testing.T) {
	store, db := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
		activeConfig("cal-c@example.com", "Calendar 03"),
	)
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	if _, err := engine.SyncEventAcrossCalendars(context.Background(), event, "cal-a@example.com"); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	provider.failUpdate["cal-c@example.com"] = true
	moved := timedEvent("evt-1", "Dentist", "2026-09-01T12:00:00Z", "2026-09-01T13:00:00Z")
	result, err := engine.UpdateEventAcrossCalendars(context.Background(), moved, "cal-a@example.com")
	if err != nil {
		t.Fatalf("update must tolerate unreachable targets: %v", err)
	}
	if result.SuccessCount != 1 || result.TotalTargets != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if mustLogCount(t, db, "block_update_failed") != 1 {
		t.Fatalf("expected block_update_failed log entry")
	}

	blocks, _ := store.BlocksByMapping(context.Background(), "mapping-1")
	if len(blocks) != 2 {
		t.Fatalf("stale placeholder row must be kept, got %d rows", len(blocks))
	}
}

func TestDeleteRemovesMappingAndBlocks(t *testing.T) {
	store, _ := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
		activeConfig("cal-c@example.com", "Calendar 03"),
	)
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	if _, err := engine.SyncEventAcrossCalendars(context.Background(), event, "cal-a@example.com"); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	result, err := engine.DeleteEventAcrossCalendars(context.Background(), "evt-1", "cal-a@example.com")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if result.SuccessCount != 2 || result.TotalTargets != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if provider.eventCount("cal-b@example.com") != 0 || provider.eventCount("cal-c@example.com") != 0 {
		t.Fatalf("placeholders should be removed from targets")
	}
	if _, lookupErr := store.MappingByOrigin(context.Background(), "evt-1", "cal-a@example.com"); !errors.Is(lookupErr, ErrMappingNotFound) {
		t.Fatalf("mapping should be deleted")
	}
	blocks, _ := store.BlocksByMapping(context.Background(), "mapping-1")
	if len(blocks) != 0 {
		t.Fatalf("block rows should cascade, got %d", len(blocks))
	}
}

func TestDeleteRemovesMappingEvenWhenTargetDeleteFails(t *testing.T) {
	store, db := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
		activeConfig("cal-c@example.com", "Calendar 03"),
	)
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	if _, err := engine.SyncEventAcrossCalendars(context.Background(), event, "cal-a@example.com"); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	provider.failDelete["cal-c@example.com"] = true
	result, err := engine.DeleteEventAcrossCalendars(context.Background(), "evt-1", "cal-a@example.com")
	if err != nil {
		t.Fatalf("failed target delete must not abort mapping removal: %v", err)
	}
	if result.SuccessCount != 1 || result.TotalTargets != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, lookupErr := store.MappingByOrigin(context.Background(), "evt-1", "cal-a@example.com"); !errors.Is(lookupErr, ErrMappingNotFound) {
		t.Fatalf("mapping must be removed despite target failure")
	}
	if mustLogCount(t, db, "block_delete_failed") != 1 {
		t.Fatalf("expected block_delete_failed log entry")
	}
}

func TestDeleteWithoutMappingIsIdempotent(t *testing.T) {
	store, db := newTestStore(t)
	seedConfigs(t, store, activeConfig("cal-a@example.com", "Calendar 01"))
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider)

	result, err := engine.DeleteEventAcrossCalendars(context.Background(), "evt-gone", "cal-a@example.com")
	if err != nil {
		t.Fatalf("delete of untracked event must be a no-op: %v", err)
	}
	if result.SuccessCount != 0 || result.TotalTargets != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if mustLogCount(t, db, "delete_skipped") != 1 {
		t.Fatalf("expected delete_skipped info log entry")
	}
}

func TestHandleJobRoutesByEventStatus(t *testing.T) {
	store, _ := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
	)
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider, "mapping-1")

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	if err := engine.HandleJob(context.Background(), event, "cal-a@example.com"); err != nil {
		t.Fatalf("handle confirmed event: %v", err)
	}
	if _, err := store.MappingByOrigin(context.Background(), "evt-1", "cal-a@example.com"); err != nil {
		t.Fatalf("confirmed event should be synced: %v", err)
	}

	cancelled := calendar.Event{ID: "evt-1", Status: calendar.StatusCancelled}
	if err := engine.HandleJob(context.Background(), cancelled, "cal-a@example.com"); err != nil {
		t.Fatalf("handle cancelled event: %v", err)
	}
	if _, err := store.MappingByOrigin(context.Background(), "evt-1", "cal-a@example.com"); !errors.Is(err, ErrMappingNotFound) {
		t.Fatalf("cancelled event should tear down the mapping")
	}
}

func TestConcurrentSyncsForSameEventDoNotDuplicateMappings(t *testing.T) {
	store, _ := newTestStore(t)
	seedConfigs(t, store,
		activeConfig("cal-a@example.com", "Calendar 01"),
		activeConfig("cal-b@example.com", "Calendar 02"),
	)
	provider := newFakeProvider()
	engine := newTestEngine(t, store, provider)

	event := timedEvent("evt-1", "Dentist", "2026-09-01T10:00:00Z", "2026-09-01T11:00:00Z")
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			err := engine.HandleJob(context.Background(), event, "cal-a@example.com")
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent job failed: %v", err)
		}
	}

	var mappingCount int64
	db := store.db
	if err := db.Model(&EventMapping{}).Where("original_event_id = ?", "evt-1").Count(&mappingCount).Error; err != nil {
		t.Fatalf("failed to count mappings: %v", err)
	}
	if mappingCount != 1 {
		t.Fatalf("expected exactly one mapping, got %d", mappingCount)
	}
	if provider.eventCount("cal-b@example.com") != 1 {
		t.Fatalf("expected exactly one placeholder on the target")
	}
}
