package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/audit"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/conflict"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/identity"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/lock"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/server"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/syncqueue"
)

const (
	testIssuer        = "progress-tracker"
	testSigningSecret = "integration-test-secret"
)

type environment struct {
	server *httptest.Server
	remote *remote.MemoryStore
}

func newEnvironment(t *testing.T) *environment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := localstore.Open(filepath.Join(t.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("opening local store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("closing local store: %v", err)
		}
	})

	memory := remote.NewMemoryStore(remote.MemoryStoreConfig{})
	resolver, err := conflict.NewResolver(conflict.ResolverConfig{Store: store, Remote: memory})
	if err != nil {
		t.Fatalf("building resolver: %v", err)
	}
	queue, err := syncqueue.NewManager(syncqueue.ManagerConfig{
		Store:       store,
		Remote:      memory,
		Resolver:    resolver,
		EntityTypes: []string{"projects", "milestones", "complaints"},
	})
	if err != nil {
		t.Fatalf("building queue: %v", err)
	}
	locks, err := lock.NewManager(lock.ManagerConfig{Remote: memory})
	if err != nil {
		t.Fatalf("building lock manager: %v", err)
	}
	auditor, err := audit.NewAuditor(audit.AuditorConfig{Remote: memory, Local: store})
	if err != nil {
		t.Fatalf("building auditor: %v", err)
	}
	sessions, err := identity.NewValidator(identity.ValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("building validator: %v", err)
	}

	connectivity := syncqueue.NewConnectivity(false)
	runner, err := syncqueue.NewRunner(syncqueue.RunnerConfig{
		Manager:      queue,
		Connectivity: connectivity,
		Interval:     time.Hour,
	})
	if err != nil {
		t.Fatalf("building runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runner.Start(ctx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:     sessions,
		Queue:        queue,
		Locks:        locks,
		Resolver:     resolver,
		Auditor:      auditor,
		Connectivity: connectivity,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("building handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return &environment{server: testServer, remote: memory}
}

func mintToken(t *testing.T, userID, displayName string, roles []string) string {
	t.Helper()
	now := time.Now()
	claims := &identity.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func (e *environment) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request: %v", err)
		}
		payload = encoded
	}
	request, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := e.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()

	var decoded map[string]any
	decoder := json.NewDecoder(response.Body)
	if err := decoder.Decode(&decoded); err != nil {
		decoded = nil
	}
	return response.StatusCode, decoded
}

func (e *environment) waitForDrain(t *testing.T, token string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		code, status := e.call(t, http.MethodGet, "/sync/status", token, nil)
		if code != http.StatusOK {
			t.Fatalf("status call failed with %d", code)
		}
		if status["pending"] == float64(0) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("queue never drained after reconnect")
}

func TestOfflineMutationsSyncOnReconnect(t *testing.T) {
	env := newEnvironment(t)
	token := mintToken(t, "alice", "Alice", nil)

	// Created offline: the entity gets a provisional id and waits in the queue.
	code, created := env.call(t, http.MethodPost, "/sync/mutations", token, map[string]any{
		"entity_type": "projects",
		"operation":   "create",
		"payload":     map[string]any{"name": "Substation Upgrade", "status": "sales"},
	})
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", code, created)
	}
	provisionalID, _ := created["entity_id"].(string)
	if !strings.HasPrefix(provisionalID, "local-") {
		t.Fatalf("expected a provisional id, got %q", provisionalID)
	}

	code, status := env.call(t, http.MethodGet, "/sync/status", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if status["pending"] != float64(1) || status["online"] != false {
		t.Fatalf("unexpected offline status: %v", status)
	}

	// Edits to the queued entity coalesce instead of stacking.
	code, _ = env.call(t, http.MethodPost, "/sync/mutations", token, map[string]any{
		"entity_type": "projects",
		"entity_id":   provisionalID,
		"operation":   "update",
		"payload":     map[string]any{"name": "Substation Upgrade", "status": "vd", "progress_percent": 10},
	})
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	_, status = env.call(t, http.MethodGet, "/sync/status", token, nil)
	if status["pending"] != float64(1) {
		t.Fatalf("expected coalesced queue, got %v", status)
	}

	code, _ = env.call(t, http.MethodPost, "/connectivity", token, map[string]any{"online": true})
	if code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	env.waitForDrain(t, token)

	// The provisional entity reached the remote store under a canonical id
	// with the coalesced payload.
	documents, err := env.remote.List(context.Background(), "projects")
	if err != nil {
		t.Fatalf("listing remote documents: %v", err)
	}
	if len(documents) != 1 {
		t.Fatalf("expected one remote document, got %d", len(documents))
	}
	doc := documents[0]
	if strings.HasPrefix(doc.ID, "local-") {
		t.Fatalf("expected a canonical id, got %q", doc.ID)
	}
	if doc.Fields["status"] != "vd" {
		t.Fatalf("expected the coalesced payload delivered, got %v", doc.Fields)
	}

	code, failed := env.call(t, http.MethodGet, "/sync/failed", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if actions, _ := failed["actions"].([]any); len(actions) != 0 {
		t.Fatalf("expected no failed actions, got %v", failed)
	}
}

func TestEditSessionContentionOverHTTP(t *testing.T) {
	env := newEnvironment(t)
	aliceToken := mintToken(t, "alice", "Alice", nil)
	bobToken := mintToken(t, "bob", "Bob", nil)

	code, granted := env.call(t, http.MethodPost, "/locks/projects/p-9/acquire", aliceToken, nil)
	if code != http.StatusOK || granted["acquired"] != true {
		t.Fatalf("expected alice to acquire, got %d %v", code, granted)
	}
	code, _ = env.call(t, http.MethodPost, "/presence/projects/p-9", aliceToken,
		map[string]any{"action": "editing"})
	if code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}

	code, contested := env.call(t, http.MethodPost, "/locks/projects/p-9/acquire", bobToken, nil)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for bob, got %d", code)
	}
	if contested["owner_name"] != "Alice" {
		t.Fatalf("expected the holder identified, got %v", contested)
	}

	code, present := env.call(t, http.MethodGet, "/presence/projects/p-9", bobToken, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	users, _ := present["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("expected alice visible to bob, got %v", present)
	}

	code, _ = env.call(t, http.MethodPost, "/locks/projects/p-9/release", aliceToken, nil)
	if code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	code, granted = env.call(t, http.MethodPost, "/locks/projects/p-9/acquire", bobToken, nil)
	if code != http.StatusOK || granted["acquired"] != true {
		t.Fatalf("expected bob to acquire after release, got %d %v", code, granted)
	}
}
