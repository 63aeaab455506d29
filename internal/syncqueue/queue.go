package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/conflict"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/ids"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 5 * time.Minute
)

var (
	errMissingStore      = errors.New("local store is required")
	errMissingRemote     = errors.New("remote store is required")
	errMissingResolver   = errors.New("conflict resolver is required")
	errMissingEntityType = errors.New("entity type is required")
	errInvalidOperation  = errors.New("operation must be create, update, or delete")

	// ErrNotRetryable indicates the action is not in the failed state.
	ErrNotRetryable = errors.New("syncqueue: action is not failed")
	// ErrNotCancellable indicates the action has already left the pending state.
	ErrNotCancellable = errors.New("syncqueue: action is not pending")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opManagerNew   = "syncqueue.new"
	opEnqueue      = "syncqueue.enqueue"
	opCancel       = "syncqueue.cancel"
	opRetry        = "syncqueue.retry"
	opProcessQueue = "syncqueue.process"
	opPullChanges  = "syncqueue.pull"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Mutation is one local edit handed to the queue by the UI collaborator.
type Mutation struct {
	EntityType  string
	EntityID    string
	Operation   localstore.Operation
	Payload     map[string]any
	Priority    int
	OwnerUserID string
}

// ManagerConfig describes the dependencies of the sync queue manager.
type ManagerConfig struct {
	Store       *localstore.Store
	Remote      remote.Store
	Resolver    *conflict.Resolver
	IDProvider  ids.Provider
	Clock       func() time.Time
	Logger      *zap.Logger
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	EntityTypes []string
}

// Manager turns an arbitrary sequence of local mutations into a reliable,
// at-least-once delivery stream to the remote store.
type Manager struct {
	store       *localstore.Store
	remote      remote.Store
	resolver    *conflict.Resolver
	idProvider  ids.Provider
	clock       func() time.Time
	logger      *zap.Logger
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	entityTypes []string
}

// NewManager constructs the queue manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opManagerNew, "missing_remote", errMissingRemote)
	}
	if cfg.Resolver == nil {
		return nil, newServiceError(opManagerNew, "missing_resolver", errMissingResolver)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	return &Manager{
		store:       cfg.Store,
		remote:      cfg.Remote,
		resolver:    cfg.Resolver,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		entityTypes: append([]string(nil), cfg.EntityTypes...),
	}, nil
}

// Enqueue durably records a mutation and optimistically applies it to the
// local cache. It returns after local persistence and never blocks on the
// network. A mutation on an entity with a still-live action coalesces into
// that action, keeping only the newest payload. When an offline-only create
// is undone by a delete, both cancel out and nil is returned.
func (m *Manager) Enqueue(ctx context.Context, mutation Mutation) (*localstore.SyncAction, error) {
	if mutation.EntityType == "" {
		return nil, newServiceError(opEnqueue, "missing_entity_type", errMissingEntityType)
	}
	switch mutation.Operation {
	case localstore.OperationCreate, localstore.OperationUpdate, localstore.OperationDelete:
	default:
		return nil, newServiceError(opEnqueue, "invalid_operation", errInvalidOperation)
	}

	entityID := mutation.EntityID
	if entityID == "" {
		if mutation.Operation != localstore.OperationCreate {
			return nil, newServiceError(opEnqueue, "missing_entity_id", errors.New("entity id is required"))
		}
		localID, err := ids.NewLocalID(m.idProvider)
		if err != nil {
			return nil, newServiceError(opEnqueue, "id_generation_failed", err)
		}
		entityID = localID
	}

	payloadJSON, err := encodePayload(mutation.Payload)
	if err != nil {
		return nil, newServiceError(opEnqueue, "invalid_payload", err)
	}

	now := m.clock().UTC().Unix()
	live, err := m.store.LiveActionForEntity(ctx, mutation.EntityType, entityID)
	if err != nil {
		return nil, newServiceError(opEnqueue, "lookup_failed", err)
	}

	if live != nil {
		if live.Operation == localstore.OperationCreate && mutation.Operation == localstore.OperationDelete {
			// The entity never reached the remote store; the create and the
			// delete cancel each other out.
			if err := m.store.DeleteAction(ctx, live.ID); err != nil {
				return nil, newServiceError(opEnqueue, "cancel_failed", err)
			}
			if err := m.store.DeleteCachedEntity(ctx, mutation.EntityType, entityID); err != nil {
				return nil, newServiceError(opEnqueue, "cache_delete_failed", err)
			}
			return nil, nil
		}

		live.PayloadJSON = payloadJSON
		live.EnqueuedAtSeconds = now
		live.NextAttemptSeconds = now
		if mutation.Priority > live.Priority {
			live.Priority = mutation.Priority
		}
		// A create followed by updates is still a create from the remote
		// store's point of view.
		if live.Operation != localstore.OperationCreate {
			live.Operation = mutation.Operation
		}
		if err := m.store.SaveAction(ctx, live); err != nil {
			return nil, newServiceError(opEnqueue, "coalesce_failed", err)
		}
		if err := m.applyOptimistic(ctx, mutation.EntityType, entityID, mutation.Operation, payloadJSON, live.BaseVersion, now); err != nil {
			return nil, newServiceError(opEnqueue, "cache_write_failed", err)
		}
		return live, nil
	}

	basePayload := ""
	baseVersion := int64(0)
	cached, err := m.store.CachedEntityByID(ctx, mutation.EntityType, entityID)
	if err == nil {
		basePayload = cached.PayloadJSON
		baseVersion = cached.Version
	} else if !errors.Is(err, localstore.ErrNotFound) {
		return nil, newServiceError(opEnqueue, "cache_read_failed", err)
	}

	action := localstore.SyncAction{
		EntityType:         mutation.EntityType,
		EntityID:           entityID,
		Operation:          mutation.Operation,
		PayloadJSON:        payloadJSON,
		BasePayloadJSON:    basePayload,
		BaseVersion:        baseVersion,
		EnqueuedAtSeconds:  now,
		Status:             localstore.ActionPending,
		Priority:           mutation.Priority,
		NextAttemptSeconds: now,
		OwnerUserID:        mutation.OwnerUserID,
	}
	if err := m.store.SaveAction(ctx, &action); err != nil {
		return nil, newServiceError(opEnqueue, "persist_failed", err)
	}
	if err := m.applyOptimistic(ctx, mutation.EntityType, entityID, mutation.Operation, payloadJSON, baseVersion, now); err != nil {
		return nil, newServiceError(opEnqueue, "cache_write_failed", err)
	}
	return &action, nil
}

// Cancel removes a still-pending action and rolls the local cache back to the
// action's base state. In-flight and terminal actions cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	action, err := m.store.ActionByID(ctx, id)
	if err != nil {
		return err
	}
	if action.Status != localstore.ActionPending {
		return ErrNotCancellable
	}
	if err := m.store.DeleteAction(ctx, id); err != nil {
		return newServiceError(opCancel, "delete_failed", err)
	}

	if action.Operation == localstore.OperationCreate {
		if err := m.store.DeleteCachedEntity(ctx, action.EntityType, action.EntityID); err != nil {
			return newServiceError(opCancel, "cache_delete_failed", err)
		}
		return nil
	}
	if err := m.store.SaveCachedEntity(ctx, &localstore.CachedEntity{
		EntityType:       action.EntityType,
		EntityID:         action.EntityID,
		PayloadJSON:      action.BasePayloadJSON,
		Version:          action.BaseVersion,
		UpdatedAtSeconds: m.clock().UTC().Unix(),
	}); err != nil {
		return newServiceError(opCancel, "cache_restore_failed", err)
	}
	return nil
}

// PendingCount returns the number of actions still awaiting delivery. It is
// the primary UI status signal and has no side effects.
func (m *Manager) PendingCount(ctx context.Context) (int64, error) {
	pending, err := m.store.CountActionsByStatus(ctx, localstore.ActionPending)
	if err != nil {
		return 0, err
	}
	inFlight, err := m.store.CountActionsByStatus(ctx, localstore.ActionInFlight)
	if err != nil {
		return 0, err
	}
	return pending + inFlight, nil
}

// FailedActions surfaces actions that exhausted their retry budget.
func (m *Manager) FailedActions(ctx context.Context) ([]localstore.SyncAction, error) {
	return m.store.ActionsByStatus(ctx, localstore.ActionFailed)
}

// RetryAction resets a failed action's attempt budget and re-enqueues it.
func (m *Manager) RetryAction(ctx context.Context, id int64) error {
	action, err := m.store.ActionByID(ctx, id)
	if err != nil {
		return err
	}
	if action.Status != localstore.ActionFailed {
		return ErrNotRetryable
	}
	action.Status = localstore.ActionPending
	action.Attempts = 0
	action.LastError = ""
	action.NextAttemptSeconds = m.clock().UTC().Unix()
	if err := m.store.SaveAction(ctx, &action); err != nil {
		return newServiceError(opRetry, "persist_failed", err)
	}
	return nil
}

// PruneCompleted removes completed actions older than the retention window.
func (m *Manager) PruneCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := m.clock().UTC().Add(-retention).Unix()
	return m.store.PruneCompletedActions(ctx, cutoff)
}

func (m *Manager) applyOptimistic(ctx context.Context, entityType, entityID string, operation localstore.Operation, payloadJSON string, version, now int64) error {
	if operation == localstore.OperationDelete {
		return m.store.SaveCachedEntity(ctx, &localstore.CachedEntity{
			EntityType:       entityType,
			EntityID:         entityID,
			PayloadJSON:      payloadJSON,
			Version:          version,
			UpdatedAtSeconds: now,
			Deleted:          true,
		})
	}
	return m.store.SaveCachedEntity(ctx, &localstore.CachedEntity{
		EntityType:       entityType,
		EntityID:         entityID,
		PayloadJSON:      payloadJSON,
		Version:          version,
		UpdatedAtSeconds: now,
	})
}

func encodePayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
