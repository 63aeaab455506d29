package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/identity"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

const (
	lockCollection = "document_locks"

	defaultLockTTL = 5 * time.Minute

	fieldEntityType  = "entity_type"
	fieldEntityID    = "entity_id"
	fieldOwnerUserID = "owner_user_id"
	fieldOwnerName   = "owner_name"
	fieldAcquiredAt  = "acquired_at_s"
)

var (
	errMissingRemote = errors.New("lock: remote store is required")

	// ErrNotOwner indicates the caller does not hold the lock it tried to
	// release or extend.
	ErrNotOwner = errors.New("lock: caller is not the lock owner")
	// ErrAdminRequired guards the forced-takeover path.
	ErrAdminRequired = errors.New("lock: administrator role required")
	// ErrOwnershipChanged indicates the lock moved to another owner between
	// heartbeats, which only happens after a forced takeover.
	ErrOwnershipChanged = errors.New("lock: ownership changed underneath heartbeat")
)

// Status reports the outcome of an acquire attempt. Degraded means the remote
// store could not be consulted; the caller proceeds without the lock.
type Status struct {
	Acquired         bool
	OwnerUserID      string
	OwnerName        string
	ExpiresAtSeconds int64
	Degraded         bool
}

// Info is the answer to a lock query.
type Info struct {
	Locked           bool
	OwnerUserID      string
	OwnerName        string
	ExpiresAtSeconds int64
}

// ManagerConfig describes the dependencies of the lock manager.
type ManagerConfig struct {
	Remote      remote.Store
	Clock       func() time.Time
	Logger      *zap.Logger
	TTL         time.Duration
	PresenceTTL time.Duration
}

// Manager provides advisory per-entity mutual exclusion over the remote
// store's atomic conditional-create primitive. Locks coordinate well-behaved
// clients only; conflict detection remains the backstop for writes that
// bypass them.
type Manager struct {
	remote      remote.Store
	clock       func() time.Time
	logger      *zap.Logger
	ttl         time.Duration
	presenceTTL time.Duration
}

// NewManager constructs the lock manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	presenceTTL := cfg.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	return &Manager{
		remote:      cfg.Remote,
		clock:       clock,
		logger:      logger,
		ttl:         ttl,
		presenceTTL: presenceTTL,
	}, nil
}

// Acquire attempts to take the advisory lock for an entity. On contention it
// reports the current owner and expiry so the UI can show "locked by X until
// Y". A lock already held by the caller is refreshed rather than refused.
// Remote-store failures degrade instead of blocking the caller's workflow.
func (m *Manager) Acquire(ctx context.Context, entityType, entityID string, user identity.Identity) (Status, error) {
	now := m.clock().UTC()
	expiresAt := now.Add(m.ttl).Unix()
	doc := remote.Document{
		Fields: map[string]any{
			fieldEntityType:       entityType,
			fieldEntityID:         entityID,
			fieldOwnerUserID:      user.UserID,
			fieldOwnerName:        user.DisplayName,
			fieldAcquiredAt:       now.Unix(),
			remote.FieldExpiresAt: expiresAt,
		},
	}

	winner, accepted, err := m.remote.ConditionalCreate(ctx, lockCollection, lockID(entityType, entityID), doc)
	if err != nil {
		return m.degrade("acquire", entityType, entityID, err)
	}
	if accepted {
		return Status{
			Acquired:         true,
			OwnerUserID:      user.UserID,
			OwnerName:        user.DisplayName,
			ExpiresAtSeconds: expiresAt,
		}, nil
	}

	ownerID := remote.StringField(winner, fieldOwnerUserID)
	if ownerID == user.UserID {
		return m.refresh(ctx, entityType, entityID, winner, user)
	}
	return Status{
		OwnerUserID:      ownerID,
		OwnerName:        remote.StringField(winner, fieldOwnerName),
		ExpiresAtSeconds: remote.NumberField(winner, remote.FieldExpiresAt),
	}, nil
}

// Release removes the caller's lock. Only the current owner or an
// administrator may release; a straggling release from a previous owner
// after a forced takeover is refused.
func (m *Manager) Release(ctx context.Context, entityType, entityID string, user identity.Identity) error {
	existing, err := m.remote.Get(ctx, lockCollection, lockID(entityType, entityID))
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	if err != nil {
		_, degradeErr := m.degrade("release", entityType, entityID, err)
		return degradeErr
	}

	ownerID := remote.StringField(existing, fieldOwnerUserID)
	if ownerID != user.UserID && !user.IsAdmin() {
		return ErrNotOwner
	}

	if err := m.remote.Delete(ctx, lockCollection, lockID(entityType, entityID)); err != nil {
		_, degradeErr := m.degrade("release", entityType, entityID, err)
		return degradeErr
	}
	return nil
}

// Extend refreshes the lock expiry during an active edit session without
// changing ownership. It fails when ownership changed underneath, which only
// happens after a forced takeover.
func (m *Manager) Extend(ctx context.Context, entityType, entityID string, user identity.Identity) (Status, error) {
	existing, err := m.remote.Get(ctx, lockCollection, lockID(entityType, entityID))
	if errors.Is(err, remote.ErrNotFound) {
		return Status{}, ErrOwnershipChanged
	}
	if err != nil {
		return m.degrade("extend", entityType, entityID, err)
	}
	if remote.StringField(existing, fieldOwnerUserID) != user.UserID {
		return Status{}, ErrOwnershipChanged
	}
	return m.refresh(ctx, entityType, entityID, existing, user)
}

// ForceUnlock deletes the lock regardless of owner. Administrator only; used
// to recover from a crashed client that never released.
func (m *Manager) ForceUnlock(ctx context.Context, entityType, entityID string, admin identity.Identity) error {
	if !admin.IsAdmin() {
		return ErrAdminRequired
	}
	if err := m.remote.Delete(ctx, lockCollection, lockID(entityType, entityID)); err != nil {
		return fmt.Errorf("lock: force unlock failed: %w", err)
	}
	m.logger.Info("lock force-unlocked",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("admin_user_id", admin.UserID))
	return nil
}

// IsLocked reports whether another user currently holds the entity's lock.
// A lock owned by the requester is reported as not locked so users are never
// blocked by their own editing session. Pure read, no side effects.
func (m *Manager) IsLocked(ctx context.Context, entityType, entityID, requesterID string) (Info, error) {
	existing, err := m.remote.Get(ctx, lockCollection, lockID(entityType, entityID))
	if errors.Is(err, remote.ErrNotFound) {
		return Info{}, nil
	}
	if err != nil {
		if _, degradeErr := m.degrade("is_locked", entityType, entityID, err); degradeErr == nil {
			return Info{}, nil
		}
		return Info{}, err
	}

	expiresAt := remote.NumberField(existing, remote.FieldExpiresAt)
	if expiresAt <= m.clock().UTC().Unix() {
		return Info{}, nil
	}
	ownerID := remote.StringField(existing, fieldOwnerUserID)
	if ownerID == requesterID {
		return Info{}, nil
	}
	return Info{
		Locked:           true,
		OwnerUserID:      ownerID,
		OwnerName:        remote.StringField(existing, fieldOwnerName),
		ExpiresAtSeconds: expiresAt,
	}, nil
}

// SubscribeLocks delivers lock change notifications.
func (m *Manager) SubscribeLocks(ctx context.Context) (<-chan remote.Event, func()) {
	return m.remote.Subscribe(ctx, lockCollection)
}

func (m *Manager) refresh(ctx context.Context, entityType, entityID string, existing remote.Document, user identity.Identity) (Status, error) {
	now := m.clock().UTC()
	expiresAt := now.Add(m.ttl).Unix()
	existing.Fields[remote.FieldExpiresAt] = expiresAt

	_, err := m.remote.Put(ctx, lockCollection, existing, existing.Version)
	if err != nil {
		if _, ok := remote.AsVersionConflict(err); ok {
			return Status{}, ErrOwnershipChanged
		}
		return m.degrade("refresh", entityType, entityID, err)
	}
	return Status{
		Acquired:         true,
		OwnerUserID:      user.UserID,
		OwnerName:        user.DisplayName,
		ExpiresAtSeconds: expiresAt,
	}, nil
}

// degrade converts permission and connectivity failures into a non-blocking
// degraded status; locking is a safety net, never a hard dependency.
func (m *Manager) degrade(operation, entityType, entityID string, err error) (Status, error) {
	if remote.IsPermission(err) || remote.IsTransient(err) {
		m.logger.Warn("lock subsystem degraded",
			zap.String("operation", operation),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return Status{Degraded: true}, nil
	}
	return Status{}, err
}

func lockID(entityType, entityID string) string {
	return entityType + ":" + entityID
}
