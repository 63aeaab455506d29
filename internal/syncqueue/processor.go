package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/ids"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

const reasonVersionConflict = "version_conflict"

// ProcessQueue drains due actions against the remote store. It is invoked
// when connectivity returns and periodically while online. Remote failures
// never escape this method as errors; they change action and conflict state.
// The returned error covers local persistence problems only.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	// Conflicts deferred by an earlier offline window get another chance
	// before new work is pushed.
	if err := m.resolver.RetryUnresolved(ctx); err != nil {
		m.logger.Warn("unresolved conflict retry failed", zap.Error(err))
	}

	// An in-flight row surviving into a new cycle means a previous process
	// died between claiming and settling the action. Delivery is
	// at-least-once, so offering it again is always safe.
	requeued, err := m.store.RequeueInFlightActions(ctx)
	if err != nil {
		return newServiceError(opProcessQueue, "requeue_failed", err)
	}
	if requeued > 0 {
		m.logger.Warn("requeued interrupted sync actions", zap.Int64("count", requeued))
	}

	now := m.clock().UTC().Unix()
	actions, err := m.store.DueActions(ctx, now)
	if err != nil {
		return newServiceError(opProcessQueue, "due_lookup_failed", err)
	}

	touchedTypes := make(map[string]bool)
	for i := range actions {
		action := actions[i]
		action.Status = localstore.ActionInFlight
		if err := m.store.SaveAction(ctx, &action); err != nil {
			return newServiceError(opProcessQueue, "claim_failed", err)
		}

		if err := m.deliver(ctx, &action); err != nil {
			return err
		}
		if action.Status == localstore.ActionCompleted {
			touchedTypes[action.EntityType] = true
		}
	}

	for entityType := range touchedTypes {
		metadata, err := m.store.Metadata(ctx, entityType)
		if err != nil {
			return newServiceError(opProcessQueue, "metadata_read_failed", err)
		}
		metadata.LastSyncSeconds = m.clock().UTC().Unix()
		if err := m.store.SaveMetadata(ctx, &metadata); err != nil {
			return newServiceError(opProcessQueue, "metadata_write_failed", err)
		}
	}
	return nil
}

// deliver attempts one remote write and settles the action's next state.
func (m *Manager) deliver(ctx context.Context, action *localstore.SyncAction) error {
	var remoteErr error
	switch action.Operation {
	case localstore.OperationCreate:
		remoteErr = m.deliverCreate(ctx, action)
	case localstore.OperationUpdate:
		remoteErr = m.deliverUpdate(ctx, action)
	case localstore.OperationDelete:
		remoteErr = m.deliverDelete(ctx, action)
	}

	if remoteErr == nil {
		action.Status = localstore.ActionCompleted
		action.LastError = ""
		return m.saveDelivered(ctx, action)
	}

	if mismatch, ok := remote.AsVersionConflict(remoteErr); ok {
		if _, err := m.resolver.HandleMismatch(ctx, *action, mismatch); err != nil {
			return newServiceError(opProcessQueue, "conflict_record_failed", err)
		}
		action.Status = localstore.ActionCompleted
		action.LastError = reasonVersionConflict
		return m.saveDelivered(ctx, action)
	}

	action.Attempts++
	action.LastError = remoteErr.Error()
	if action.Attempts >= m.maxAttempts {
		action.Status = localstore.ActionFailed
		m.logger.Warn("sync action exhausted retries",
			zap.Int64("action_id", action.ID),
			zap.String("entity_type", action.EntityType),
			zap.String("entity_id", action.EntityID),
			zap.Int("attempts", action.Attempts),
			zap.Error(remoteErr))
	} else {
		action.Status = localstore.ActionPending
		action.NextAttemptSeconds = m.clock().UTC().Add(m.backoffDelay(action.Attempts)).Unix()
		m.logger.Debug("sync action rescheduled",
			zap.Int64("action_id", action.ID),
			zap.Int("attempts", action.Attempts),
			zap.Int64("next_attempt_s", action.NextAttemptSeconds))
	}
	return m.saveDelivered(ctx, action)
}

func (m *Manager) saveDelivered(ctx context.Context, action *localstore.SyncAction) error {
	if err := m.store.SaveAction(ctx, action); err != nil {
		return newServiceError(opProcessQueue, "state_persist_failed", err)
	}
	return nil
}

func (m *Manager) deliverCreate(ctx context.Context, action *localstore.SyncAction) error {
	payload, err := decodePayloadJSON(action.PayloadJSON)
	if err != nil {
		return err
	}
	stored, err := m.remote.Create(ctx, action.EntityType, remote.Document{
		ID:     action.EntityID,
		Fields: payload,
	})
	if err != nil {
		return err
	}

	if ids.IsLocal(action.EntityID) && stored.ID != action.EntityID {
		localID := action.EntityID
		if err := m.store.RenameCachedEntity(ctx, action.EntityType, localID, stored.ID); err != nil {
			return newServiceError(opProcessQueue, "cache_rename_failed", err)
		}
		if err := m.store.ReassignActionEntityID(ctx, action.EntityType, localID, stored.ID); err != nil {
			return newServiceError(opProcessQueue, "action_rename_failed", err)
		}
		action.EntityID = stored.ID
		m.logger.Info("local entity promoted to canonical id",
			zap.String("entity_type", action.EntityType),
			zap.String("local_id", localID),
			zap.String("canonical_id", stored.ID))
	}
	return m.refreshCache(ctx, action, stored)
}

func (m *Manager) deliverUpdate(ctx context.Context, action *localstore.SyncAction) error {
	payload, err := decodePayloadJSON(action.PayloadJSON)
	if err != nil {
		return err
	}
	stored, err := m.remote.Put(ctx, action.EntityType, remote.Document{
		ID:     action.EntityID,
		Fields: payload,
	}, action.BaseVersion)
	if errors.Is(err, remote.ErrNotFound) {
		// The document vanished remotely; our payload is the full desired
		// state, so recreate it under the same id.
		stored, err = m.remote.Put(ctx, action.EntityType, remote.Document{
			ID:     action.EntityID,
			Fields: payload,
		}, 0)
	}
	if err != nil {
		return err
	}
	return m.refreshCache(ctx, action, stored)
}

func (m *Manager) deliverDelete(ctx context.Context, action *localstore.SyncAction) error {
	if err := m.remote.Delete(ctx, action.EntityType, action.EntityID); err != nil {
		return err
	}
	if err := m.store.DeleteCachedEntity(ctx, action.EntityType, action.EntityID); err != nil {
		return newServiceError(opProcessQueue, "cache_delete_failed", err)
	}
	return nil
}

func (m *Manager) refreshCache(ctx context.Context, action *localstore.SyncAction, stored remote.Document) error {
	if err := m.store.SaveCachedEntity(ctx, &localstore.CachedEntity{
		EntityType:       action.EntityType,
		EntityID:         stored.ID,
		PayloadJSON:      action.PayloadJSON,
		Version:          stored.Version,
		UpdatedAtSeconds: stored.UpdatedAtSeconds,
	}); err != nil {
		return newServiceError(opProcessQueue, "cache_refresh_failed", err)
	}
	return nil
}

// PullChanges refreshes the local cache with remote documents modified since
// the last successful pull for each configured entity type. Entities with a
// live queued action keep their optimistic local state.
func (m *Manager) PullChanges(ctx context.Context) error {
	for _, entityType := range m.entityTypes {
		metadata, err := m.store.Metadata(ctx, entityType)
		if err != nil {
			return newServiceError(opPullChanges, "metadata_read_failed", err)
		}

		documents, err := m.remote.List(ctx, entityType)
		if err != nil {
			m.logger.Warn("incremental pull skipped",
				zap.String("entity_type", entityType), zap.Error(err))
			continue
		}

		newest := metadata.LastSyncSeconds
		for _, doc := range documents {
			if doc.UpdatedAtSeconds <= metadata.LastSyncSeconds {
				continue
			}
			live, err := m.store.LiveActionForEntity(ctx, entityType, doc.ID)
			if err != nil {
				return newServiceError(opPullChanges, "live_lookup_failed", err)
			}
			if live != nil {
				continue
			}
			payloadJSON, err := json.Marshal(doc.Fields)
			if err != nil {
				return newServiceError(opPullChanges, "payload_encode_failed", err)
			}
			if err := m.store.SaveCachedEntity(ctx, &localstore.CachedEntity{
				EntityType:       entityType,
				EntityID:         doc.ID,
				PayloadJSON:      string(payloadJSON),
				Version:          doc.Version,
				UpdatedAtSeconds: doc.UpdatedAtSeconds,
			}); err != nil {
				return newServiceError(opPullChanges, "cache_write_failed", err)
			}
			if doc.UpdatedAtSeconds > newest {
				newest = doc.UpdatedAtSeconds
			}
			metadata.Cursor = doc.ID
		}

		if newest != metadata.LastSyncSeconds || metadata.Cursor != "" {
			metadata.LastSyncSeconds = newest
			if err := m.store.SaveMetadata(ctx, &metadata); err != nil {
				return newServiceError(opPullChanges, "metadata_write_failed", err)
			}
		}
	}
	return nil
}

// backoffDelay returns base * 2^attempts, capped.
func (m *Manager) backoffDelay(attempts int) time.Duration {
	delay := m.backoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= m.backoffCap {
			return m.backoffCap
		}
	}
	return delay
}

func decodePayloadJSON(payloadJSON string) (map[string]any, error) {
	if payloadJSON == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
