package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() {
		store.Close() //nolint:errcheck
	})
	return store
}

func mustSaveAction(t *testing.T, store *Store, action *SyncAction) {
	t.Helper()
	if err := store.SaveAction(context.Background(), action); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("", zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestActionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	action := SyncAction{
		EntityType:        "projects",
		EntityID:          "p-1",
		Operation:         OperationUpdate,
		PayloadJSON:       `{"name":"Plant A"}`,
		BasePayloadJSON:   `{"name":"Plant"}`,
		BaseVersion:       3,
		EnqueuedAtSeconds: 100,
		Status:            ActionPending,
	}
	mustSaveAction(t, store, &action)
	if action.ID == 0 {
		t.Fatalf("expected autoincrement id to be assigned")
	}

	fetched, err := store.ActionByID(ctx, action.ID)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if fetched.PayloadJSON != action.PayloadJSON || fetched.BaseVersion != 3 {
		t.Fatalf("unexpected fetched action: %+v", fetched)
	}

	if _, err := store.ActionByID(ctx, 9999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLiveActionForEntity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	live, err := store.LiveActionForEntity(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if live != nil {
		t.Fatalf("expected nil for entity with no actions")
	}

	completed := SyncAction{EntityType: "projects", EntityID: "p-1", Operation: OperationUpdate, Status: ActionCompleted}
	mustSaveAction(t, store, &completed)
	pending := SyncAction{EntityType: "projects", EntityID: "p-1", Operation: OperationUpdate, Status: ActionPending}
	mustSaveAction(t, store, &pending)

	live, err = store.LiveActionForEntity(ctx, "projects", "p-1")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if live == nil || live.ID != pending.ID {
		t.Fatalf("expected the pending action, got %+v", live)
	}
}

func TestDueActionsOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	older := SyncAction{EntityType: "projects", EntityID: "p-1", Operation: OperationUpdate, Status: ActionPending, EnqueuedAtSeconds: 100, NextAttemptSeconds: 100}
	mustSaveAction(t, store, &older)
	urgent := SyncAction{EntityType: "projects", EntityID: "p-2", Operation: OperationUpdate, Status: ActionPending, EnqueuedAtSeconds: 200, NextAttemptSeconds: 100, Priority: 5}
	mustSaveAction(t, store, &urgent)
	backedOff := SyncAction{EntityType: "projects", EntityID: "p-3", Operation: OperationUpdate, Status: ActionPending, EnqueuedAtSeconds: 50, NextAttemptSeconds: 500}
	mustSaveAction(t, store, &backedOff)

	due, err := store.DueActions(ctx, 200)
	if err != nil {
		t.Fatalf("unexpected due lookup error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due actions, got %d", len(due))
	}
	if due[0].ID != urgent.ID {
		t.Fatalf("expected the high-priority action first, got %+v", due[0])
	}
	if due[1].ID != older.ID {
		t.Fatalf("expected the older action second, got %+v", due[1])
	}
}

func TestRequeueInFlightActions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stranded := SyncAction{EntityType: "projects", EntityID: "p-1", Operation: OperationUpdate, Status: ActionInFlight}
	mustSaveAction(t, store, &stranded)
	mustSaveAction(t, store, &SyncAction{EntityType: "projects", EntityID: "p-2", Operation: OperationUpdate, Status: ActionCompleted})
	mustSaveAction(t, store, &SyncAction{EntityType: "projects", EntityID: "p-3", Operation: OperationUpdate, Status: ActionFailed})

	requeued, err := store.RequeueInFlightActions(ctx)
	if err != nil {
		t.Fatalf("unexpected requeue error: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected 1 requeued action, got %d", requeued)
	}

	reset, err := store.ActionByID(ctx, stranded.ID)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if reset.Status != ActionPending {
		t.Fatalf("expected the stranded action pending again, got %q", reset.Status)
	}

	// Settled actions keep their terminal status.
	failed, err := store.ActionsByStatus(ctx, ActionFailed)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected the failed action untouched, got %d", len(failed))
	}
}

func TestCountAndPrune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustSaveAction(t, store, &SyncAction{EntityType: "projects", EntityID: "p-1", Operation: OperationUpdate, Status: ActionPending})
	mustSaveAction(t, store, &SyncAction{EntityType: "projects", EntityID: "p-2", Operation: OperationUpdate, Status: ActionCompleted, EnqueuedAtSeconds: 10})
	mustSaveAction(t, store, &SyncAction{EntityType: "projects", EntityID: "p-3", Operation: OperationUpdate, Status: ActionFailed, EnqueuedAtSeconds: 10})

	count, err := store.CountActionsByStatus(ctx, ActionPending)
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pending action, got %d", count)
	}

	pruned, err := store.PruneCompletedActions(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected prune error: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned action, got %d", pruned)
	}

	// Failed actions survive pruning for manual retry.
	failed, err := store.ActionsByStatus(ctx, ActionFailed)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected failed action to survive, got %d", len(failed))
	}
}

func TestReassignActionEntityID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pending := SyncAction{EntityType: "projects", EntityID: "local-1", Operation: OperationUpdate, Status: ActionPending}
	mustSaveAction(t, store, &pending)
	done := SyncAction{EntityType: "projects", EntityID: "local-1", Operation: OperationCreate, Status: ActionCompleted}
	mustSaveAction(t, store, &done)

	if err := store.ReassignActionEntityID(ctx, "projects", "local-1", "canonical-1"); err != nil {
		t.Fatalf("unexpected reassign error: %v", err)
	}

	updated, err := store.ActionByID(ctx, pending.ID)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if updated.EntityID != "canonical-1" {
		t.Fatalf("expected pending action renamed, got %q", updated.EntityID)
	}

	terminal, err := store.ActionByID(ctx, done.ID)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if terminal.EntityID != "local-1" {
		t.Fatalf("expected terminal action untouched, got %q", terminal.EntityID)
	}
}

func TestConflictRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := ConflictRecord{
		EntityType:        "projects",
		EntityID:          "p-1",
		LocalPayloadJSON:  `{"name":"local"}`,
		RemotePayloadJSON: `{"name":"remote"}`,
		LocalBaseVersion:  2,
		RemoteVersion:     4,
		DetectedAtSeconds: 100,
		Status:            ConflictUnresolved,
	}
	if err := store.SaveConflict(ctx, &record); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	unresolved, err := store.UnresolvedConflicts(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].ID != record.ID {
		t.Fatalf("unexpected unresolved list: %+v", unresolved)
	}

	record.Status = ConflictResolved
	record.Resolution = ResolutionServerWins
	if err := store.SaveConflict(ctx, &record); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	count, err := store.CountUnresolvedConflicts(ctx)
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no unresolved conflicts, got %d", count)
	}
}

func TestMetadataDefaultsToZero(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	metadata, err := store.Metadata(ctx, "projects")
	if err != nil {
		t.Fatalf("unexpected metadata error: %v", err)
	}
	if metadata.EntityType != "projects" || metadata.LastSyncSeconds != 0 {
		t.Fatalf("unexpected zero metadata: %+v", metadata)
	}

	metadata.LastSyncSeconds = 500
	metadata.Cursor = "p-9"
	if err := store.SaveMetadata(ctx, &metadata); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	fetched, err := store.Metadata(ctx, "projects")
	if err != nil {
		t.Fatalf("unexpected metadata error: %v", err)
	}
	if fetched.LastSyncSeconds != 500 || fetched.Cursor != "p-9" {
		t.Fatalf("unexpected metadata: %+v", fetched)
	}
}

func TestCachedEntityLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entity := CachedEntity{EntityType: "projects", EntityID: "p-1", PayloadJSON: `{"name":"A"}`, Version: 1, UpdatedAtSeconds: 100}
	if err := store.SaveCachedEntity(ctx, &entity); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	deleted := CachedEntity{EntityType: "projects", EntityID: "p-2", PayloadJSON: `{}`, Version: 1, UpdatedAtSeconds: 100, Deleted: true}
	if err := store.SaveCachedEntity(ctx, &deleted); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	listed, err := store.CachedEntitiesByType(ctx, "projects")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 1 || listed[0].EntityID != "p-1" {
		t.Fatalf("expected tombstoned entities excluded, got %+v", listed)
	}

	if err := store.RenameCachedEntity(ctx, "projects", "p-1", "canonical-1"); err != nil {
		t.Fatalf("unexpected rename error: %v", err)
	}
	if _, err := store.CachedEntityByID(ctx, "projects", "p-1"); err != ErrNotFound {
		t.Fatalf("expected old id gone, got %v", err)
	}
	renamed, err := store.CachedEntityByID(ctx, "projects", "canonical-1")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if renamed.PayloadJSON != entity.PayloadJSON {
		t.Fatalf("expected payload preserved across rename, got %q", renamed.PayloadJSON)
	}

	if err := store.DeleteCachedEntity(ctx, "projects", "canonical-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := store.CachedEntityByID(ctx, "projects", "canonical-1"); err != ErrNotFound {
		t.Fatalf("expected entity gone, got %v", err)
	}
}
