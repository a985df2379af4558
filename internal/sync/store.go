package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrConfigNotFound indicates the calendar id has no configuration row.
	ErrConfigNotFound = errors.New("sync: calendar configuration not found")
	// ErrMappingNotFound indicates no mapping exists for the requested source event.
	ErrMappingNotFound = errors.New("sync: event mapping not found")

	errStoreMissingDatabase = errors.New("sync: database handle is required")
)

// StoreConfig describes the dependencies of the mapping store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Store is the persistence layer over calendar configurations, event
// mappings, block events and the sync audit log. It holds no business
// logic; all decisions live in the engine.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewStore constructs the mapping store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errStoreMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, logger: logger, clock: clock}, nil
}

// ActiveConfigs lists active calendar configurations ordered by alias.
func (s *Store) ActiveConfigs(ctx context.Context) ([]CalendarConfig, error) {
	var configs []CalendarConfig
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("calendar_alias").
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("sync: list active configs: %w", err)
	}
	return configs, nil
}

// AllConfigs lists every calendar configuration ordered by alias.
func (s *Store) AllConfigs(ctx context.Context) ([]CalendarConfig, error) {
	var configs []CalendarConfig
	if err := s.db.WithContext(ctx).Order("calendar_alias").Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("sync: list configs: %w", err)
	}
	return configs, nil
}

// ConfigByID returns the configuration for one calendar.
func (s *Store) ConfigByID(ctx context.Context, calendarID string) (CalendarConfig, error) {
	var config CalendarConfig
	err := s.db.WithContext(ctx).Where("calendar_id = ?", calendarID).Take(&config).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CalendarConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, calendarID)
	}
	if err != nil {
		return CalendarConfig{}, fmt.Errorf("sync: lookup config: %w", err)
	}
	return config, nil
}

// ToggleConfig flips the active flag of one calendar and returns the updated row.
func (s *Store) ToggleConfig(ctx context.Context, calendarID string) (CalendarConfig, error) {
	config, err := s.ConfigByID(ctx, calendarID)
	if err != nil {
		return CalendarConfig{}, err
	}
	config.IsActive = !config.IsActive
	err = s.db.WithContext(ctx).Model(&CalendarConfig{}).
		Where("calendar_id = ?", calendarID).
		Update("is_active", config.IsActive).Error
	if err != nil {
		return CalendarConfig{}, fmt.Errorf("sync: toggle config: %w", err)
	}
	return config, nil
}

// SeedConfigs inserts the given configurations, skipping calendar ids that
// already exist.
func (s *Store) SeedConfigs(ctx context.Context, configs []CalendarConfig) error {
	for _, config := range configs {
		_, err := s.ConfigByID(ctx, config.CalendarID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrConfigNotFound) {
			return err
		}
		if err := s.db.WithContext(ctx).Create(&config).Error; err != nil {
			return fmt.Errorf("sync: seed config %s: %w", config.CalendarID, err)
		}
	}
	return nil
}

// CreateMapping persists a new event mapping row.
func (s *Store) CreateMapping(ctx context.Context, mapping EventMapping) error {
	if err := s.db.WithContext(ctx).Create(&mapping).Error; err != nil {
		return fmt.Errorf("sync: create mapping: %w", err)
	}
	return nil
}

// MappingByOrigin performs a point lookup by (original event, original calendar).
func (s *Store) MappingByOrigin(ctx context.Context, eventID, calendarID string) (EventMapping, error) {
	var mapping EventMapping
	err := s.db.WithContext(ctx).
		Where("original_event_id = ? AND original_calendar_id = ?", eventID, calendarID).
		Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EventMapping{}, ErrMappingNotFound
	}
	if err != nil {
		return EventMapping{}, fmt.Errorf("sync: lookup mapping: %w", err)
	}
	return mapping, nil
}

// UpdateMappingSnapshot refreshes the stored summary and time span of a mapping.
func (s *Store) UpdateMappingSnapshot(ctx context.Context, mappingID, summary, eventStart, eventEnd string) error {
	err := s.db.WithContext(ctx).Model(&EventMapping{}).
		Where("id = ?", mappingID).
		Updates(map[string]interface{}{
			"original_summary": summary,
			"event_start":      eventStart,
			"event_end":        eventEnd,
			"updated_at":       s.clock().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("sync: update mapping snapshot: %w", err)
	}
	return nil
}

// UpdateMappingStatus transitions the sync status of a mapping.
func (s *Store) UpdateMappingStatus(ctx context.Context, mappingID string, status SyncStatus) error {
	err := s.db.WithContext(ctx).Model(&EventMapping{}).
		Where("id = ?", mappingID).
		Updates(map[string]interface{}{
			"sync_status": status,
			"updated_at":  s.clock().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("sync: update mapping status: %w", err)
	}
	return nil
}

// DeleteMapping removes a mapping and cascades removal of its block rows.
func (s *Store) DeleteMapping(ctx context.Context, mappingID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mapping_id = ?", mappingID).Delete(&BlockEvent{}).Error; err != nil {
			return fmt.Errorf("sync: delete block rows: %w", err)
		}
		if err := tx.Where("id = ?", mappingID).Delete(&EventMapping{}).Error; err != nil {
			return fmt.Errorf("sync: delete mapping: %w", err)
		}
		return nil
	})
}

// CreateBlockEvent records one generated placeholder.
func (s *Store) CreateBlockEvent(ctx context.Context, block BlockEvent) error {
	if err := s.db.WithContext(ctx).Create(&block).Error; err != nil {
		return fmt.Errorf("sync: create block record: %w", err)
	}
	return nil
}

// BlocksByMapping lists block rows owned by the given mapping.
func (s *Store) BlocksByMapping(ctx context.Context, mappingID string) ([]BlockEvent, error) {
	var blocks []BlockEvent
	if err := s.db.WithContext(ctx).Where("mapping_id = ?", mappingID).Find(&blocks).Error; err != nil {
		return nil, fmt.Errorf("sync: list block rows: %w", err)
	}
	return blocks, nil
}

// LogActivity appends one audit record. Failures are swallowed so audit-log
// unavailability never blocks propagation.
func (s *Store) LogActivity(ctx context.Context, eventType, calendarID, eventID string, status LogStatus, message string, metadata map[string]interface{}) {
	entry := SyncLog{
		EventType:  eventType,
		CalendarID: calendarID,
		Status:     status,
		Message:    message,
		CreatedAt:  s.clock().UTC(),
	}
	if eventID != "" {
		entry.EventID = &eventID
	}
	if metadata != nil {
		if encoded, err := json.Marshal(metadata); err == nil {
			entry.Metadata = string(encoded)
		}
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.Warn("failed to log sync activity",
			zap.String("event_type", eventType),
			zap.String("calendar_id", calendarID),
			zap.Error(err))
	}
}

// LogQuery filters recent audit entries.
type LogQuery struct {
	Limit     int
	Status    LogStatus
	EventType string
	Since     time.Time
}

// RecentLogs returns audit entries newest first.
func (s *Store) RecentLogs(ctx context.Context, query LogQuery) ([]SyncLog, error) {
	limit := query.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	tx := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if query.Status != "" {
		tx = tx.Where("status = ?", query.Status)
	}
	if query.EventType != "" {
		tx = tx.Where("event_type = ?", query.EventType)
	}
	if !query.Since.IsZero() {
		tx = tx.Where("created_at > ?", query.Since)
	}
	var logs []SyncLog
	if err := tx.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("sync: list logs: %w", err)
	}
	return logs, nil
}

// CalendarStat aggregates mapping and block counts per configured calendar.
type CalendarStat struct {
	CalendarAlias string `json:"calendar_alias"`
	CalendarName  string `json:"calendar_name"`
	IsActive      bool   `json:"is_active"`
	TotalEvents   int64  `json:"total_events"`
	TotalBlocks   int64  `json:"total_blocks"`
}

// CalendarStats reports per-calendar totals for the admin dashboard.
func (s *Store) CalendarStats(ctx context.Context) ([]CalendarStat, error) {
	var stats []CalendarStat
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			cc.calendar_alias,
			cc.calendar_name,
			cc.is_active,
			COUNT(DISTINCT em.id) AS total_events,
			COUNT(DISTINCT be.id) AS total_blocks
		FROM calendar_configs cc
		LEFT JOIN event_mappings em ON cc.calendar_id = em.original_calendar_id
		LEFT JOIN block_events be ON em.id = be.mapping_id
		GROUP BY cc.calendar_id, cc.calendar_alias, cc.calendar_name, cc.is_active
		ORDER BY cc.calendar_alias`).Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("sync: calendar stats: %w", err)
	}
	return stats, nil
}
