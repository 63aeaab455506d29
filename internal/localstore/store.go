package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound indicates the requested row does not exist locally.
var ErrNotFound = errors.New("localstore: record not found")

// Store is the client-resident durable persistence layer. It is owned
// exclusively by this process instance and never shared between clients.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open establishes the SQLite connection and performs schema migrations.
// A database that cannot be opened or migrated is moved aside and recreated;
// the reset is surfaced as a warning, not a failure.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("localstore: database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openAndMigrate(path, logger)
	if err != nil {
		if !resettable(path) {
			return nil, err
		}
		asidePath := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UTC().Unix())
		logger.Warn("local store unusable, resetting",
			zap.String("path", path),
			zap.String("moved_to", asidePath),
			zap.Error(err))
		if renameErr := os.Rename(path, asidePath); renameErr != nil {
			return nil, fmt.Errorf("localstore: reset failed: %w", renameErr)
		}
		db, err = openAndMigrate(path, logger)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("local store initialized", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func openAndMigrate(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&SyncAction{},
		&ConflictRecord{},
		&SyncMetadata{},
		&CachedEntity{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	return db, nil
}

func resettable(path string) bool {
	if strings.Contains(path, ":memory:") {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// --- mutations partition ---

// SaveAction inserts or updates a sync action. The write is committed before
// the call returns.
func (s *Store) SaveAction(ctx context.Context, action *SyncAction) error {
	return s.db.WithContext(ctx).Save(action).Error
}

// ActionByID fetches one action.
func (s *Store) ActionByID(ctx context.Context, id int64) (SyncAction, error) {
	var action SyncAction
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncAction{}, ErrNotFound
	}
	return action, err
}

// LiveActionForEntity returns the pending or in-flight action for the entity,
// or nil when none exists. At most one such action exists at a time.
func (s *Store) LiveActionForEntity(ctx context.Context, entityType, entityID string) (*SyncAction, error) {
	var action SyncAction
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND status IN ?",
			entityType, entityID, []ActionStatus{ActionPending, ActionInFlight}).
		Take(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// DueActions returns pending actions whose backoff window has passed,
// ordered by priority (descending) then enqueue time.
func (s *Store) DueActions(ctx context.Context, now int64) ([]SyncAction, error) {
	var actions []SyncAction
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_s <= ?", ActionPending, now).
		Order("priority DESC, enqueued_at_s ASC, id ASC").
		Find(&actions).Error
	return actions, err
}

// RequeueInFlightActions resets every in-flight action back to pending.
// In-flight is a transient marker held only while a delivery attempt is
// running; any row still carrying it at the start of a cycle belongs to a
// process that died mid-delivery and must be offered again.
func (s *Store) RequeueInFlightActions(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&SyncAction{}).
		Where("status = ?", ActionInFlight).
		Update("status", ActionPending)
	return result.RowsAffected, result.Error
}

// ActionsByStatus returns all actions in the given state, oldest first.
func (s *Store) ActionsByStatus(ctx context.Context, status ActionStatus) ([]SyncAction, error) {
	var actions []SyncAction
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("enqueued_at_s ASC, id ASC").
		Find(&actions).Error
	return actions, err
}

// CountActionsByStatus returns the number of actions in the given state.
func (s *Store) CountActionsByStatus(ctx context.Context, status ActionStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&SyncAction{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// DeleteAction removes an action outright.
func (s *Store) DeleteAction(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&SyncAction{}, id).Error
}

// PruneCompletedActions removes completed actions enqueued before the cutoff.
// Failed actions are kept for manual retry.
func (s *Store) PruneCompletedActions(ctx context.Context, enqueuedBefore int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND enqueued_at_s < ?", ActionCompleted, enqueuedBefore).
		Delete(&SyncAction{})
	return result.RowsAffected, result.Error
}

// ReassignActionEntityID rewrites the entity id on every non-terminal action
// for the entity, used when a provisional local id is replaced by the
// canonical remote id.
func (s *Store) ReassignActionEntityID(ctx context.Context, entityType, oldID, newID string) error {
	return s.db.WithContext(ctx).
		Model(&SyncAction{}).
		Where("entity_type = ? AND entity_id = ? AND status IN ?",
			entityType, oldID, []ActionStatus{ActionPending, ActionInFlight}).
		Update("entity_id", newID).Error
}

// --- conflicts partition ---

// SaveConflict inserts or updates a conflict record.
func (s *Store) SaveConflict(ctx context.Context, record *ConflictRecord) error {
	return s.db.WithContext(ctx).Save(record).Error
}

// ConflictByID fetches one conflict record.
func (s *Store) ConflictByID(ctx context.Context, id int64) (ConflictRecord, error) {
	var record ConflictRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ConflictRecord{}, ErrNotFound
	}
	return record, err
}

// UnresolvedConflicts lists conflicts awaiting resolution, oldest first.
func (s *Store) UnresolvedConflicts(ctx context.Context) ([]ConflictRecord, error) {
	var records []ConflictRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", ConflictUnresolved).
		Order("detected_at_s ASC, id ASC").
		Find(&records).Error
	return records, err
}

// CountUnresolvedConflicts returns the unresolved-conflict count.
func (s *Store) CountUnresolvedConflicts(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ConflictRecord{}).
		Where("status = ?", ConflictUnresolved).
		Count(&count).Error
	return count, err
}

// --- syncMetadata partition ---

// Metadata returns the sync bookmark for an entity type, zero-valued when the
// type has never synced.
func (s *Store) Metadata(ctx context.Context, entityType string) (SyncMetadata, error) {
	var metadata SyncMetadata
	err := s.db.WithContext(ctx).Where("entity_type = ?", entityType).Take(&metadata).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncMetadata{EntityType: entityType}, nil
	}
	return metadata, err
}

// SaveMetadata persists the sync bookmark for an entity type.
func (s *Store) SaveMetadata(ctx context.Context, metadata *SyncMetadata) error {
	return s.db.WithContext(ctx).Save(metadata).Error
}

// --- entity cache partitions ---

// SaveCachedEntity upserts one cached business entity.
func (s *Store) SaveCachedEntity(ctx context.Context, entity *CachedEntity) error {
	return s.db.WithContext(ctx).Save(entity).Error
}

// CachedEntityByID fetches one cached entity.
func (s *Store) CachedEntityByID(ctx context.Context, entityType, entityID string) (CachedEntity, error) {
	var entity CachedEntity
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CachedEntity{}, ErrNotFound
	}
	return entity, err
}

// CachedEntitiesByType lists every cached entity of one type.
func (s *Store) CachedEntitiesByType(ctx context.Context, entityType string) ([]CachedEntity, error) {
	var entities []CachedEntity
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND is_deleted = ?", entityType, false).
		Find(&entities).Error
	return entities, err
}

// DeleteCachedEntity removes one cached entity.
func (s *Store) DeleteCachedEntity(ctx context.Context, entityType, entityID string) error {
	return s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&CachedEntity{}).Error
}

// RenameCachedEntity moves a cached entity from a provisional local id to its
// canonical remote id.
func (s *Store) RenameCachedEntity(ctx context.Context, entityType, oldID, newID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entity CachedEntity
		err := tx.Where("entity_type = ? AND entity_id = ?", entityType, oldID).Take(&entity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("entity_type = ? AND entity_id = ?", entityType, oldID).
			Delete(&CachedEntity{}).Error; err != nil {
			return err
		}
		entity.EntityID = newID
		return tx.Create(&entity).Error
	})
}
