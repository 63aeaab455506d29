package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/identity"
)

// ErrLockedByOther indicates another user holds the entity's lock.
var ErrLockedByOther = errors.New("lock: entity locked by another user")

// EditSession bundles a held lock with the heartbeats that keep it and the
// caller's presence alive for the duration of a multi-step edit.
type EditSession struct {
	manager    *Manager
	entityType string
	entityID   string
	user       identity.Identity
	status     Status

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// OpenEditSession acquires the lock, marks the caller as editing, and starts
// background heartbeats. When the lock is held by another user it returns
// ErrLockedByOther with the contention details in the status. A degraded
// acquire still opens the session; the edit proceeds without the safety net.
func (m *Manager) OpenEditSession(ctx context.Context, entityType, entityID string, user identity.Identity) (*EditSession, Status, error) {
	status, err := m.Acquire(ctx, entityType, entityID, user)
	if err != nil {
		return nil, Status{}, err
	}
	if !status.Acquired && !status.Degraded {
		return nil, status, ErrLockedByOther
	}

	if err := m.UpdatePresence(ctx, entityType, entityID, user, PresenceEditing); err != nil {
		m.logger.Warn("presence registration failed for edit session",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}

	session := &EditSession{
		manager:    m,
		entityType: entityType,
		entityID:   entityID,
		user:       user,
		status:     status,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go session.heartbeatLoop()
	return session, status, nil
}

// Status returns the acquire outcome the session opened with.
func (s *EditSession) Status() Status {
	return s.status
}

// Close stops heartbeats, clears presence, and releases the lock.
func (s *EditSession) Close(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done

	if err := s.manager.RemovePresence(ctx, s.entityType, s.entityID, s.user); err != nil {
		s.manager.logger.Warn("presence cleanup failed",
			zap.String("entity_type", s.entityType),
			zap.String("entity_id", s.entityID),
			zap.Error(err))
	}
	if s.status.Acquired {
		return s.manager.Release(ctx, s.entityType, s.entityID, s.user)
	}
	return nil
}

// Heartbeats fire well inside both TTL windows so a healthy session never
// expires mid-edit.
func (s *EditSession) heartbeatLoop() {
	defer close(s.done)

	interval := s.manager.presenceTTL / 2
	lockInterval := s.manager.ttl / 3
	if lockInterval < interval {
		interval = lockInterval
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if s.status.Acquired {
				if _, err := s.manager.Extend(ctx, s.entityType, s.entityID, s.user); err != nil {
					s.manager.logger.Warn("lock heartbeat failed",
						zap.String("entity_type", s.entityType),
						zap.String("entity_id", s.entityID),
						zap.Error(err))
				}
			}
			if err := s.manager.UpdatePresence(ctx, s.entityType, s.entityID, s.user, PresenceEditing); err != nil {
				s.manager.logger.Warn("presence heartbeat failed",
					zap.String("entity_type", s.entityType),
					zap.String("entity_id", s.entityID),
					zap.Error(err))
			}
			cancel()
		}
	}
}
