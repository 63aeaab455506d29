package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

var (
	errMissingStore       = errors.New("conflict: local store is required")
	errMissingRemote      = errors.New("conflict: remote store is required")
	ErrAlreadyResolved    = errors.New("conflict: record already resolved")
	ErrConcreteResolution = errors.New("conflict: resolution must be server_wins, client_wins, or merged")
)

// ResolverConfig describes the dependencies of the conflict resolver.
type ResolverConfig struct {
	Store    *localstore.Store
	Remote   remote.Store
	Policies *PolicyTable
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver settles divergence between queued mutations and remote state.
type Resolver struct {
	store    *localstore.Store
	remote   remote.Store
	policies *PolicyTable
	clock    func() time.Time
	logger   *zap.Logger
}

// NewResolver constructs a resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	policies := cfg.Policies
	if policies == nil {
		policies = NewPolicyTable()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    cfg.Store,
		remote:   cfg.Remote,
		policies: policies,
		clock:    clock,
		logger:   logger,
	}, nil
}

// HandleMismatch records the divergence carried by a failed version-checked
// write and immediately attempts resolution under the entity type's policy.
// The record stays unresolved when resolution cannot complete (for example
// because the client went offline again); it is retried on later sync passes.
func (r *Resolver) HandleMismatch(ctx context.Context, action localstore.SyncAction, mismatch *remote.VersionConflictError) (localstore.ConflictRecord, error) {
	remotePayload, err := json.Marshal(mismatch.Remote.Fields)
	if err != nil {
		return localstore.ConflictRecord{}, fmt.Errorf("conflict: encoding remote payload: %w", err)
	}

	record := localstore.ConflictRecord{
		EntityType:        action.EntityType,
		EntityID:          action.EntityID,
		LocalPayloadJSON:  action.PayloadJSON,
		BasePayloadJSON:   action.BasePayloadJSON,
		RemotePayloadJSON: string(remotePayload),
		LocalBaseVersion:  action.BaseVersion,
		RemoteVersion:     mismatch.RemoteVersion,
		DetectedAtSeconds: r.clock().UTC().Unix(),
		Status:            localstore.ConflictUnresolved,
	}
	if err := r.store.SaveConflict(ctx, &record); err != nil {
		return localstore.ConflictRecord{}, fmt.Errorf("conflict: persisting record: %w", err)
	}

	if err := r.tryResolve(ctx, &record); err != nil {
		r.logger.Warn("conflict resolution deferred",
			zap.String("entity_type", record.EntityType),
			zap.String("entity_id", record.EntityID),
			zap.Error(err))
	}
	return record, nil
}

// Conflicts lists unresolved records.
func (r *Resolver) Conflicts(ctx context.Context) ([]localstore.ConflictRecord, error) {
	return r.store.UnresolvedConflicts(ctx)
}

// RetryUnresolved re-attempts resolution of every unresolved record whose
// policy does not require a manual decision. Individual failures are logged
// and skipped; a record is never dropped.
func (r *Resolver) RetryUnresolved(ctx context.Context) error {
	records, err := r.store.UnresolvedConflicts(ctx)
	if err != nil {
		return fmt.Errorf("conflict: listing unresolved: %w", err)
	}
	for i := range records {
		record := records[i]
		if r.policies.PolicyFor(record.EntityType) == PolicyManual {
			continue
		}
		if err := r.tryResolve(ctx, &record); err != nil {
			r.logger.Warn("conflict resolution still deferred",
				zap.Int64("conflict_id", record.ID),
				zap.String("entity_type", record.EntityType),
				zap.String("entity_id", record.EntityID),
				zap.Error(err))
		}
	}
	return nil
}

// Resolve commits a user-chosen resolution for one unresolved record. This is
// the only mutation path for records governed by the manual policy.
func (r *Resolver) Resolve(ctx context.Context, id int64, resolution localstore.Resolution) (localstore.ConflictRecord, error) {
	record, err := r.store.ConflictByID(ctx, id)
	if err != nil {
		return localstore.ConflictRecord{}, err
	}
	if record.Status == localstore.ConflictResolved {
		return localstore.ConflictRecord{}, ErrAlreadyResolved
	}

	var policy Policy
	switch resolution {
	case localstore.ResolutionServerWins:
		policy = PolicyServerWins
	case localstore.ResolutionClientWins:
		policy = PolicyClientWins
	case localstore.ResolutionMerged:
		policy = PolicyMerge
	default:
		return localstore.ConflictRecord{}, ErrConcreteResolution
	}

	if err := r.apply(ctx, &record, policy); err != nil {
		return localstore.ConflictRecord{}, err
	}
	return record, nil
}

func (r *Resolver) tryResolve(ctx context.Context, record *localstore.ConflictRecord) error {
	policy := r.policies.PolicyFor(record.EntityType)
	if policy == PolicyManual {
		return nil
	}
	return r.apply(ctx, record, policy)
}

// apply settles the record under the given policy: the winning payload is
// written to the local cache and, when the client's material survived, to the
// remote store. Any write failure leaves the record unresolved.
func (r *Resolver) apply(ctx context.Context, record *localstore.ConflictRecord, policy Policy) error {
	base, err := decodePayload(record.BasePayloadJSON)
	if err != nil {
		return fmt.Errorf("conflict: decoding base payload: %w", err)
	}
	local, err := decodePayload(record.LocalPayloadJSON)
	if err != nil {
		return fmt.Errorf("conflict: decoding local payload: %w", err)
	}
	remotePayload, err := decodePayload(record.RemotePayloadJSON)
	if err != nil {
		return fmt.Errorf("conflict: decoding remote payload: %w", err)
	}

	winner, resolution := resolvePayloads(policy, base, local, remotePayload)
	cacheVersion := record.RemoteVersion

	if resolution != localstore.ResolutionServerWins {
		stored, err := r.remote.Put(ctx, record.EntityType, remote.Document{
			ID:     record.EntityID,
			Fields: winner,
		}, record.RemoteVersion)
		if err != nil {
			if mismatch, ok := remote.AsVersionConflict(err); ok {
				// Remote moved again underneath us; refresh the record so the
				// next attempt resolves against current state.
				refreshed, encodeErr := json.Marshal(mismatch.Remote.Fields)
				if encodeErr == nil {
					record.RemotePayloadJSON = string(refreshed)
					record.RemoteVersion = mismatch.RemoteVersion
					if saveErr := r.store.SaveConflict(ctx, record); saveErr != nil {
						return fmt.Errorf("conflict: refreshing record: %w", saveErr)
					}
				}
			}
			return fmt.Errorf("conflict: writing resolved payload: %w", err)
		}
		cacheVersion = stored.Version
	}

	winnerJSON, err := json.Marshal(winner)
	if err != nil {
		return fmt.Errorf("conflict: encoding resolved payload: %w", err)
	}
	if err := r.store.SaveCachedEntity(ctx, &localstore.CachedEntity{
		EntityType:       record.EntityType,
		EntityID:         record.EntityID,
		PayloadJSON:      string(winnerJSON),
		Version:          cacheVersion,
		UpdatedAtSeconds: r.clock().UTC().Unix(),
	}); err != nil {
		return fmt.Errorf("conflict: updating local cache: %w", err)
	}

	record.Status = localstore.ConflictResolved
	record.Resolution = resolution
	record.ResolvedAtSeconds = r.clock().UTC().Unix()
	if err := r.store.SaveConflict(ctx, record); err != nil {
		return fmt.Errorf("conflict: committing resolution: %w", err)
	}
	return nil
}

func decodePayload(payloadJSON string) (map[string]any, error) {
	if payloadJSON == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}
