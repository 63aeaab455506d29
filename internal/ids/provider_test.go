package ids

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDProviderIssuesUniqueIDs(t *testing.T) {
	provider := NewUUIDProvider()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := provider.NewID()
		if err != nil {
			t.Fatalf("unexpected id error: %v", err)
		}
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("id %q is not a UUID: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewLocalID(t *testing.T) {
	provider := NewUUIDProvider()

	id, err := NewLocalID(provider)
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	if !IsLocal(id) {
		t.Fatalf("expected a local id, got %q", id)
	}
}

func TestIsLocal(t *testing.T) {
	cases := []struct {
		name string
		id   string
		want bool
	}{
		{name: "local prefix", id: "local-0190b7e2", want: true},
		{name: "canonical", id: "0190b7e2-1111-7222-8333-444455556666", want: false},
		{name: "empty", id: "", want: false},
		{name: "prefix only", id: "local-", want: true},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := IsLocal(testCase.id); got != testCase.want {
				t.Fatalf("IsLocal(%q) = %v, want %v", testCase.id, got, testCase.want)
			}
		})
	}
}
