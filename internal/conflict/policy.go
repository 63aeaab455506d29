package conflict

import (
	"reflect"
	"sync"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
)

// Policy selects how divergence between local and remote state is settled.
type Policy string

const (
	// PolicyServerWins keeps the remote payload; the local change survives
	// only inside the conflict record for later inspection.
	PolicyServerWins Policy = "server_wins"
	// PolicyClientWins pushes the local payload over the remote state.
	PolicyClientWins Policy = "client_wins"
	// PolicyMerge combines non-overlapping changed fields from both sides,
	// falling back to server-wins when the same field changed on both.
	PolicyMerge Policy = "merge"
	// PolicyManual leaves the conflict unresolved until a user decides.
	PolicyManual Policy = "manual"
)

// PolicyTable is the central per-entity-type resolution policy mapping.
// Entity types without an explicit entry use the default policy.
type PolicyTable struct {
	mu            sync.RWMutex
	defaultPolicy Policy
	byEntityType  map[string]Policy
}

// NewPolicyTable constructs a table defaulting to server-wins.
func NewPolicyTable() *PolicyTable {
	return &PolicyTable{
		defaultPolicy: PolicyServerWins,
		byEntityType:  make(map[string]Policy),
	}
}

// SetDefault replaces the fallback policy.
func (t *PolicyTable) SetDefault(policy Policy) {
	t.mu.Lock()
	t.defaultPolicy = policy
	t.mu.Unlock()
}

// Set assigns the policy for one entity type.
func (t *PolicyTable) Set(entityType string, policy Policy) {
	t.mu.Lock()
	t.byEntityType[entityType] = policy
	t.mu.Unlock()
}

// PolicyFor returns the policy governing the entity type.
func (t *PolicyTable) PolicyFor(entityType string) Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if policy, ok := t.byEntityType[entityType]; ok {
		return policy
	}
	return t.defaultPolicy
}

// resolvePayloads is the deterministic core of conflict resolution: identical
// inputs always yield identical output. It never consults clocks or state.
func resolvePayloads(policy Policy, base, local, remote map[string]any) (map[string]any, localstore.Resolution) {
	switch policy {
	case PolicyClientWins:
		return clonePayload(local), localstore.ResolutionClientWins
	case PolicyMerge:
		merged, ok := mergePayloads(base, local, remote)
		if ok {
			return merged, localstore.ResolutionMerged
		}
		return clonePayload(remote), localstore.ResolutionServerWins
	default:
		return clonePayload(remote), localstore.ResolutionServerWins
	}
}

type fieldChange struct {
	value   any
	deleted bool
}

// mergePayloads combines the two diffs against the shared base. It reports
// failure when both sides changed the same field.
func mergePayloads(base, local, remote map[string]any) (map[string]any, bool) {
	localDiff := diffFields(base, local)
	remoteDiff := diffFields(base, remote)
	for field := range localDiff {
		if _, overlapping := remoteDiff[field]; overlapping {
			return nil, false
		}
	}

	merged := clonePayload(base)
	applyDiff(merged, remoteDiff)
	applyDiff(merged, localDiff)
	return merged, true
}

// diffFields records every field added, modified, or removed relative to base.
func diffFields(base, changed map[string]any) map[string]fieldChange {
	diff := make(map[string]fieldChange)
	for field, value := range changed {
		baseValue, ok := base[field]
		if !ok || !reflect.DeepEqual(baseValue, value) {
			diff[field] = fieldChange{value: value}
		}
	}
	for field := range base {
		if _, ok := changed[field]; !ok {
			diff[field] = fieldChange{deleted: true}
		}
	}
	return diff
}

func applyDiff(payload map[string]any, diff map[string]fieldChange) {
	for field, change := range diff {
		if change.deleted {
			delete(payload, field)
			continue
		}
		payload[field] = change.value
	}
}

func clonePayload(payload map[string]any) map[string]any {
	cloned := make(map[string]any, len(payload))
	for field, value := range payload {
		cloned[field] = value
	}
	return cloned
}
