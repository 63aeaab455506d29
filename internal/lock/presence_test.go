package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

func presenceByUser(entries []Presence) map[string]Presence {
	indexed := make(map[string]Presence, len(entries))
	for _, entry := range entries {
		indexed[entry.UserID] = entry
	}
	return indexed
}

func TestUpdatePresenceHeartbeat(t *testing.T) {
	manager, _, clock := newLockFixture(t)
	ctx := context.Background()

	if err := manager.UpdatePresence(ctx, "projects", "p-1", alice, PresenceViewing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	if err := manager.UpdatePresence(ctx, "projects", "p-1", bob, PresenceEditing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}

	active, err := manager.ActiveUsers(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected active users error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected two active users, got %d", len(active))
	}
	entries := presenceByUser(active)
	if entries["alice"].Action != PresenceViewing {
		t.Fatalf("expected alice viewing, got %+v", entries["alice"])
	}
	if entries["bob"].Action != PresenceEditing || entries["bob"].UserName != "Bob" {
		t.Fatalf("expected bob editing, got %+v", entries["bob"])
	}

	// A second heartbeat transitions the action in place rather than adding a
	// duplicate record.
	clock.Advance(10 * time.Second)
	if err := manager.UpdatePresence(ctx, "projects", "p-1", alice, PresenceEditing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	active, err = manager.ActiveUsers(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected active users error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected heartbeat to upsert, got %d entries", len(active))
	}
	entries = presenceByUser(active)
	if entries["alice"].Action != PresenceEditing {
		t.Fatalf("expected alice's action refreshed, got %+v", entries["alice"])
	}
	if entries["alice"].LastHeartbeatSeconds != 1010 {
		t.Fatalf("unexpected heartbeat timestamp: %d", entries["alice"].LastHeartbeatSeconds)
	}
}

func TestActiveUsersFiltersStaleRecords(t *testing.T) {
	manager, _, clock := newLockFixture(t)
	ctx := context.Background()

	if err := manager.UpdatePresence(ctx, "projects", "p-1", alice, PresenceViewing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	clock.Advance(20 * time.Second)
	if err := manager.UpdatePresence(ctx, "projects", "p-1", bob, PresenceEditing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	clock.Advance(15 * time.Second)

	// Alice's record is 35s old against a 30s TTL; bob's is 15s old.
	active, err := manager.ActiveUsers(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected active users error: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "bob" {
		t.Fatalf("expected only bob present, got %+v", active)
	}
}

func TestActiveUsersScopedToEntity(t *testing.T) {
	manager, _, _ := newLockFixture(t)
	ctx := context.Background()

	if err := manager.UpdatePresence(ctx, "projects", "p-1", alice, PresenceViewing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	if err := manager.UpdatePresence(ctx, "projects", "p-2", bob, PresenceViewing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}

	active, err := manager.ActiveUsers(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected active users error: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "alice" {
		t.Fatalf("expected only alice on p-1, got %+v", active)
	}
}

func TestRemovePresence(t *testing.T) {
	manager, _, _ := newLockFixture(t)
	ctx := context.Background()

	if err := manager.UpdatePresence(ctx, "projects", "p-1", alice, PresenceEditing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	if err := manager.RemovePresence(ctx, "projects", "p-1", alice); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}

	active, err := manager.ActiveUsers(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected active users error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected empty presence after removal, got %+v", active)
	}
}

func TestPresenceDegradesDuringOutage(t *testing.T) {
	manager, memory, _ := newLockFixture(t)
	ctx := context.Background()

	memory.SetFault(func(operation, collection string) error {
		return &remote.PermissionError{Operation: operation, Err: errors.New("token rejected")}
	})

	if err := manager.UpdatePresence(ctx, "projects", "p-1", alice, PresenceViewing); err != nil {
		t.Fatalf("expected degraded heartbeat, not an error: %v", err)
	}
	active, err := manager.ActiveUsers(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("expected degraded listing, not an error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no presence during outage, got %+v", active)
	}
	if err := manager.RemovePresence(ctx, "projects", "p-1", alice); err != nil {
		t.Fatalf("expected degraded removal, not an error: %v", err)
	}
}

func TestOpenEditSession(t *testing.T) {
	manager, _, _ := newLockFixture(t)
	ctx := context.Background()

	session, status, err := manager.OpenEditSession(ctx, "projects", "p-1", alice)
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	if !status.Acquired {
		t.Fatalf("expected session to hold the lock: %+v", status)
	}

	active, err := manager.ActiveUsers(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected active users error: %v", err)
	}
	if len(active) != 1 || active[0].Action != PresenceEditing {
		t.Fatalf("expected alice registered as editing, got %+v", active)
	}

	if _, contested, err := manager.OpenEditSession(ctx, "projects", "p-1", bob); !errors.Is(err, ErrLockedByOther) {
		t.Fatalf("expected ErrLockedByOther, got %v (status %+v)", err, contested)
	} else if contested.OwnerUserID != "alice" {
		t.Fatalf("expected contention details, got %+v", contested)
	}

	if err := session.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	active, err = manager.ActiveUsers(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected active users error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected presence cleared after close, got %+v", active)
	}
	freed := mustAcquire(t, manager, bob)
	if !freed.Acquired {
		t.Fatalf("expected lock released after close: %+v", freed)
	}
}

func TestSubscribePresenceDeliversEvents(t *testing.T) {
	manager, _, _ := newLockFixture(t)
	ctx := context.Background()

	events, cancel := manager.SubscribePresence(ctx)
	defer cancel()

	if err := manager.UpdatePresence(ctx, "projects", "p-1", alice, PresenceViewing); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}

	select {
	case event := <-events:
		if event.Collection != "presence" {
			t.Fatalf("unexpected event collection: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a presence event")
	}
}
