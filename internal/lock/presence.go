package lock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/identity"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

const (
	presenceCollection = "presence"

	defaultPresenceTTL = 30 * time.Second

	fieldEntityKey     = "entity_key"
	fieldUserName      = "user_name"
	fieldPresenceKind  = "action"
	fieldLastHeartbeat = "last_heartbeat_s"
)

// PresenceAction enumerates what a user is doing with an entity.
type PresenceAction string

const (
	PresenceViewing PresenceAction = "viewing"
	PresenceEditing PresenceAction = "editing"
)

// Presence is one live user on an entity.
type Presence struct {
	UserID               string
	UserName             string
	Action               PresenceAction
	LastHeartbeatSeconds int64
}

// UpdatePresence records or refreshes the caller's presence heartbeat.
// Presence is advisory UI information; failures degrade silently beyond a
// warning and never gate any write.
func (m *Manager) UpdatePresence(ctx context.Context, entityType, entityID string, user identity.Identity, action PresenceAction) error {
	id := presenceID(entityType, entityID, user.UserID)
	doc := remote.Document{
		ID: id,
		Fields: map[string]any{
			fieldEntityKey:     lockID(entityType, entityID),
			fieldEntityType:    entityType,
			fieldEntityID:      entityID,
			fieldOwnerUserID:   user.UserID,
			fieldUserName:      user.DisplayName,
			fieldPresenceKind:  string(action),
			fieldLastHeartbeat: m.clock().UTC().Unix(),
		},
	}

	baseVersion := int64(0)
	existing, err := m.remote.Get(ctx, presenceCollection, id)
	if err == nil {
		baseVersion = existing.Version
	} else if !errors.Is(err, remote.ErrNotFound) {
		return m.degradePresence("update_presence", entityType, entityID, err)
	}

	_, err = m.remote.Put(ctx, presenceCollection, doc, baseVersion)
	if err != nil {
		// A heartbeat only races with itself; one refresh settles it.
		if mismatch, ok := remote.AsVersionConflict(err); ok {
			_, err = m.remote.Put(ctx, presenceCollection, doc, mismatch.RemoteVersion)
		}
	}
	if err != nil {
		return m.degradePresence("update_presence", entityType, entityID, err)
	}
	return nil
}

// RemovePresence clears the caller's presence record.
func (m *Manager) RemovePresence(ctx context.Context, entityType, entityID string, user identity.Identity) error {
	err := m.remote.Delete(ctx, presenceCollection, presenceID(entityType, entityID, user.UserID))
	if err != nil {
		return m.degradePresence("remove_presence", entityType, entityID, err)
	}
	return nil
}

// ActiveUsers lists users currently present on an entity. Records older than
// the presence TTL are stale and ignored even when not yet physically deleted.
func (m *Manager) ActiveUsers(ctx context.Context, entityType, entityID string) ([]Presence, error) {
	documents, err := m.remote.Query(ctx, presenceCollection, fieldEntityKey, lockID(entityType, entityID))
	if err != nil {
		if degradeErr := m.degradePresence("active_users", entityType, entityID, err); degradeErr == nil {
			return nil, nil
		}
		return nil, err
	}

	cutoff := m.clock().UTC().Add(-m.presenceTTL).Unix()
	var present []Presence
	for _, doc := range documents {
		heartbeat := remote.NumberField(doc, fieldLastHeartbeat)
		if heartbeat < cutoff {
			continue
		}
		present = append(present, Presence{
			UserID:               remote.StringField(doc, fieldOwnerUserID),
			UserName:             remote.StringField(doc, fieldUserName),
			Action:               PresenceAction(remote.StringField(doc, fieldPresenceKind)),
			LastHeartbeatSeconds: heartbeat,
		})
	}
	return present, nil
}

// SubscribePresence delivers presence change notifications.
func (m *Manager) SubscribePresence(ctx context.Context) (<-chan remote.Event, func()) {
	return m.remote.Subscribe(ctx, presenceCollection)
}

func (m *Manager) degradePresence(operation, entityType, entityID string, err error) error {
	if remote.IsPermission(err) || remote.IsTransient(err) {
		m.logger.Warn("presence update dropped",
			zap.String("operation", operation),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return nil
	}
	return err
}

func presenceID(entityType, entityID, userID string) string {
	return entityType + ":" + entityID + ":" + userID
}
