package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/AniOM76/om76-mcss/internal/calendar"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:mcss_sync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&CalendarConfig{}, &EventMapping{}, &BlockEvent{}, &SyncLog{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store, db
}

func seedConfigs(t *testing.T, store *Store, configs ...CalendarConfig) {
	t.Helper()
	if err := store.SeedConfigs(context.Background(), configs); err != nil {
		t.Fatalf("failed to seed configs: %v", err)
	}
}

func activeConfig(id, alias string) CalendarConfig {
	return CalendarConfig{
		CalendarID:    id,
		CalendarAlias: alias,
		CalendarName:  alias,
		IsActive:      true,
		CredentialRef: "refresh-" + id,
	}
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

// fakeProvider is an in-memory Provider double. Failure maps key off
// calendar id (create/update/delete) or credential ref (auth).
type fakeProvider struct {
	mu         gosync.Mutex
	events     map[string]map[string]calendar.Event
	listing    []calendar.Event
	failAuth   map[string]bool
	failCreate map[string]bool
	failUpdate map[string]bool
	failDelete map[string]bool
	nextID     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		events:     make(map[string]map[string]calendar.Event),
		failAuth:   make(map[string]bool),
		failCreate: make(map[string]bool),
		failUpdate: make(map[string]bool),
		failDelete: make(map[string]bool),
	}
}

func (p *fakeProvider) Authenticate(_ context.Context, credentialRef string) (calendar.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAuth[credentialRef] {
		return calendar.Session{}, calendar.ErrUnauthorized
	}
	return calendar.Session{AccessToken: "token-" + credentialRef}, nil
}

func (p *fakeProvider) ListEvents(_ context.Context, _ calendar.Session, _ string, _, _ time.Time) ([]calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]calendar.Event(nil), p.listing...), nil
}

func (p *fakeProvider) GetEvent(_ context.Context, _ calendar.Session, calendarID, eventID string) (calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if held, ok := p.events[calendarID][eventID]; ok {
		return held, nil
	}
	return calendar.Event{}, calendar.ErrNotFound
}

func (p *fakeProvider) CreateEvent(_ context.Context, _ calendar.Session, calendarID string, draft calendar.Event) (calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate[calendarID] {
		return calendar.Event{}, errors.New("provider unavailable")
	}
	p.nextID++
	draft.ID = fmt.Sprintf("blk-%d", p.nextID)
	if p.events[calendarID] == nil {
		p.events[calendarID] = make(map[string]calendar.Event)
	}
	p.events[calendarID][draft.ID] = draft
	return draft, nil
}

func (p *fakeProvider) UpdateEvent(_ context.Context, _ calendar.Session, calendarID, eventID string, patch calendar.Event) (calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUpdate[calendarID] {
		return calendar.Event{}, errors.New("provider unavailable")
	}
	held, ok := p.events[calendarID][eventID]
	if !ok {
		return calendar.Event{}, calendar.ErrNotFound
	}
	held.Start = patch.Start
	held.End = patch.End
	p.events[calendarID][eventID] = held
	return held, nil
}

func (p *fakeProvider) DeleteEvent(_ context.Context, _ calendar.Session, calendarID, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDelete[calendarID] {
		return errors.New("provider unavailable")
	}
	// Not-found deletes are a successful no-op.
	delete(p.events[calendarID], eventID)
	return nil
}

func (p *fakeProvider) storedEvent(t *testing.T, calendarID, eventID string) calendar.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	held, ok := p.events[calendarID][eventID]
	if !ok {
		t.Fatalf("expected event %s on calendar %s", eventID, calendarID)
	}
	return held
}

func (p *fakeProvider) eventCount(calendarID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[calendarID])
}

func newTestEngine(t *testing.T, store *Store, provider calendar.Provider, ids ...string) *Engine {
	t.Helper()
	var idProvider IDProvider
	if len(ids) > 0 {
		idProvider = &staticIDGenerator{ids: ids}
	}
	engine, err := NewEngine(EngineConfig{
		Store:      store,
		Provider:   provider,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine
}

func timedEvent(id, summary, start, end string) calendar.Event {
	return calendar.Event{
		ID:      id,
		Summary: summary,
		Status:  "confirmed",
		Start:   calendar.EventTime{DateTime: start},
		End:     calendar.EventTime{DateTime: end},
	}
}

func mustLogCount(t *testing.T, db *gorm.DB, eventType string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&SyncLog{}).Where("event_type = ?", eventType).Count(&count).Error; err != nil {
		t.Fatalf("failed to count logs: %v", err)
	}
	return count
}
