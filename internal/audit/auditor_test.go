package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(seconds int64) *fakeClock {
	return &fakeClock{now: time.Unix(seconds, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("doc-%d", p.next), nil
}

type auditFixture struct {
	auditor *Auditor
	remote  *remote.MemoryStore
	local   *localstore.Store
}

func newAuditFixture(t *testing.T) *auditFixture {
	t.Helper()
	clock := newFakeClock(1000)
	memory := remote.NewMemoryStore(remote.MemoryStoreConfig{
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	local, err := localstore.Open(filepath.Join(t.TempDir(), "audit.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	t.Cleanup(func() {
		if err := local.Close(); err != nil {
			t.Fatalf("closing store: %v", err)
		}
	})
	auditor, err := NewAuditor(AuditorConfig{
		Remote:  memory,
		Local:   local,
		Schemas: BuiltinSchemas(),
		Clock:   clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected auditor error: %v", err)
	}
	return &auditFixture{auditor: auditor, remote: memory, local: local}
}

func (f *auditFixture) seedRemote(t *testing.T, entityType, id string, fields map[string]any) {
	t.Helper()
	_, err := f.remote.Put(context.Background(), entityType, remote.Document{ID: id, Fields: fields}, 0)
	if err != nil {
		t.Fatalf("seeding %s/%s: %v", entityType, id, err)
	}
}

func validProject(owner string) map[string]any {
	return map[string]any{
		"name":             "Warehouse Fit-Out",
		"status":           "vd",
		"owner_user_id":    owner,
		"progress_percent": 40,
	}
}

func findingFor(report AuditReport, documentID string) (Finding, bool) {
	for _, finding := range report.Findings {
		if finding.DocumentID == documentID {
			return finding, true
		}
	}
	return Finding{}, false
}

func TestPerformFullAuditFlagsDeviations(t *testing.T) {
	fixture := newAuditFixture(t)
	ctx := context.Background()

	fixture.seedRemote(t, "projects", "p-good", validProject("alice"))
	fixture.seedRemote(t, "projects", "p-missing", map[string]any{
		"name": "No Status",
	})
	fixture.seedRemote(t, "projects", "p-typed", map[string]any{
		"name":             "Bad Progress",
		"status":           "dne",
		"owner_user_id":    "bob",
		"progress_percent": "forty",
	})

	report, err := fixture.auditor.PerformFullAudit(ctx)
	if err != nil {
		t.Fatalf("unexpected audit error: %v", err)
	}

	var projects TypeSummary
	for _, summary := range report.Summaries {
		if summary.EntityType == "projects" {
			projects = summary
		}
	}
	if projects.Total != 3 || projects.Valid != 1 || projects.Invalid != 2 {
		t.Fatalf("unexpected projects summary: %+v", projects)
	}

	missing, ok := findingFor(report, "p-missing")
	if !ok {
		t.Fatal("expected a finding for p-missing")
	}
	wantMissing := []string{"status", "owner_user_id", "progress_percent"}
	if !reflect.DeepEqual(missing.MissingFields, wantMissing) {
		t.Fatalf("unexpected missing fields: %v", missing.MissingFields)
	}

	typed, ok := findingFor(report, "p-typed")
	if !ok {
		t.Fatal("expected a finding for p-typed")
	}
	if len(typed.TypeErrors) != 1 || len(typed.MissingFields) != 0 {
		t.Fatalf("unexpected finding for p-typed: %+v", typed)
	}

	if _, ok := findingFor(report, "p-good"); ok {
		t.Fatal("valid document must not produce a finding")
	}
	if report.InvalidCount() != 2 {
		t.Fatalf("unexpected invalid count: %d", report.InvalidCount())
	}
}

func TestPerformFullAuditCollectsReadFailures(t *testing.T) {
	fixture := newAuditFixture(t)
	ctx := context.Background()

	fixture.seedRemote(t, "projects", "p-1", validProject("alice"))
	fixture.remote.SetFault(func(operation, collection string) error {
		if collection == "milestones" {
			return &remote.TransientError{Operation: operation, Err: errors.New("gateway unreachable")}
		}
		return nil
	})

	report, err := fixture.auditor.PerformFullAudit(ctx)
	if err != nil {
		t.Fatalf("expected a partial audit, got error: %v", err)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected one collected error, got %v", report.Errors)
	}
	if len(report.Summaries) != 2 {
		t.Fatalf("expected the reachable types audited, got %+v", report.Summaries)
	}
}

func TestTypeMatches(t *testing.T) {
	cases := []struct {
		name      string
		fieldType FieldType
		value     any
		want      bool
	}{
		{name: "string ok", fieldType: FieldString, value: "x", want: true},
		{name: "string wrong", fieldType: FieldString, value: 7, want: false},
		{name: "number float", fieldType: FieldNumber, value: float64(3.5), want: true},
		{name: "number int", fieldType: FieldNumber, value: 3, want: true},
		{name: "number wrong", fieldType: FieldNumber, value: "3", want: false},
		{name: "bool ok", fieldType: FieldBool, value: true, want: true},
		{name: "object ok", fieldType: FieldObject, value: map[string]any{}, want: true},
		{name: "array ok", fieldType: FieldArray, value: []any{}, want: true},
		{name: "nil never matches", fieldType: FieldString, value: nil, want: false},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := TypeMatches(testCase.fieldType, testCase.value); got != testCase.want {
				t.Fatalf("TypeMatches(%s, %v) = %v, want %v",
					testCase.fieldType, testCase.value, got, testCase.want)
			}
		})
	}
}
