package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/ids"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

// RepairKind enumerates generated remediation writes.
type RepairKind string

const (
	RepairUpdate  RepairKind = "update"
	RepairMigrate RepairKind = "migrate"
)

// RepairOperation is one idempotent remediation write. Operations are
// consumed immediately by the executor and never persisted.
type RepairOperation struct {
	Kind        RepairKind     `json:"kind"`
	EntityType  string         `json:"entityType"`
	DocumentID  string         `json:"documentId"`
	Fields      map[string]any `json:"fields"`
	BaseVersion int64          `json:"-"`
}

// RecoveryReport is the outcome of one repair run.
type RecoveryReport struct {
	OperationsGenerated int      `json:"operationsGenerated"`
	OperationsApplied   int      `json:"operationsApplied"`
	FieldsFilled        int      `json:"fieldsFilled"`
	DocumentsMigrated   int      `json:"documentsMigrated"`
	Errors              []string `json:"errors,omitempty"`
}

// PerformDataRecovery remediates the documents an audit flagged and migrates
// local cache entities that never reached the remote store. Every generated
// write is idempotent: a field is filled only when still missing at repair
// time, so re-running recovery on the same audit result changes nothing.
// Writes flush sequentially in capped batches.
func (a *Auditor) PerformDataRecovery(ctx context.Context, auditReport AuditReport) (RecoveryReport, error) {
	report := RecoveryReport{}

	var operations []RepairOperation
	for _, finding := range auditReport.Findings {
		if finding.IsValid {
			continue
		}
		schema, ok := a.schemaFor(finding.EntityType)
		if !ok {
			continue
		}
		operation, filled, err := a.buildRepair(ctx, schema, finding)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s/%s: %v", finding.EntityType, finding.DocumentID, err))
			continue
		}
		if operation == nil {
			continue
		}
		report.FieldsFilled += filled
		operations = append(operations, *operation)
	}

	migrations, migrationErrors := a.buildMigrations(ctx)
	operations = append(operations, migrations...)
	report.Errors = append(report.Errors, migrationErrors...)
	report.OperationsGenerated = len(operations)

	for start := 0; start < len(operations); start += a.batchSize {
		end := start + a.batchSize
		if end > len(operations) {
			end = len(operations)
		}
		for _, operation := range operations[start:end] {
			if err := a.execute(ctx, operation); err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s/%s: applying %s: %v",
						operation.EntityType, operation.DocumentID, operation.Kind, err))
				continue
			}
			report.OperationsApplied++
			if operation.Kind == RepairMigrate {
				report.DocumentsMigrated++
			}
		}
	}

	a.logger.Info("data recovery finished",
		zap.Int("operations_generated", report.OperationsGenerated),
		zap.Int("operations_applied", report.OperationsApplied),
		zap.Int("documents_migrated", report.DocumentsMigrated),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// buildRepair re-reads the flagged document and fills only the required
// fields that are still missing or typed wrong. Present valid fields are
// never overwritten.
func (a *Auditor) buildRepair(ctx context.Context, schema Schema, finding Finding) (*RepairOperation, int, error) {
	doc, err := a.remote.Get(ctx, schema.EntityType, finding.DocumentID)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	fields := make(map[string]any, len(doc.Fields))
	for name, value := range doc.Fields {
		fields[name] = value
	}

	filled := 0
	for _, field := range schema.Fields {
		if !field.Required {
			continue
		}
		value, present := fields[field.Name]
		if present && value != nil && TypeMatches(field.Type, value) {
			continue
		}
		fields[field.Name] = field.Default
		filled++
	}
	if filled == 0 {
		return nil, 0, nil
	}

	return &RepairOperation{
		Kind:        RepairUpdate,
		EntityType:  schema.EntityType,
		DocumentID:  doc.ID,
		Fields:      fields,
		BaseVersion: doc.Version,
	}, filled, nil
}

// buildMigrations finds local cache entities with no remote counterpart.
func (a *Auditor) buildMigrations(ctx context.Context) ([]RepairOperation, []string) {
	var operations []RepairOperation
	var failures []string

	for _, schema := range a.schemas {
		entities, err := a.local.CachedEntitiesByType(ctx, schema.EntityType)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: reading local cache: %v", schema.EntityType, err))
			continue
		}
		for _, entity := range entities {
			_, err := a.remote.Get(ctx, schema.EntityType, entity.EntityID)
			if err == nil {
				continue
			}
			if !errors.Is(err, remote.ErrNotFound) {
				failures = append(failures, fmt.Sprintf("%s/%s: probing remote: %v",
					schema.EntityType, entity.EntityID, err))
				continue
			}
			var fields map[string]any
			if entity.PayloadJSON != "" {
				if err := json.Unmarshal([]byte(entity.PayloadJSON), &fields); err != nil {
					failures = append(failures, fmt.Sprintf("%s/%s: decoding local payload: %v",
						schema.EntityType, entity.EntityID, err))
					continue
				}
			}
			operations = append(operations, RepairOperation{
				Kind:       RepairMigrate,
				EntityType: schema.EntityType,
				DocumentID: entity.EntityID,
				Fields:     fields,
			})
		}
	}
	return operations, failures
}

func (a *Auditor) execute(ctx context.Context, operation RepairOperation) error {
	switch operation.Kind {
	case RepairUpdate:
		_, err := a.remote.Put(ctx, operation.EntityType, remote.Document{
			ID:     operation.DocumentID,
			Fields: operation.Fields,
		}, operation.BaseVersion)
		return err
	case RepairMigrate:
		if ids.IsLocal(operation.DocumentID) {
			stored, err := a.remote.Create(ctx, operation.EntityType, remote.Document{
				Fields: operation.Fields,
			})
			if err != nil {
				return err
			}
			return a.local.RenameCachedEntity(ctx, operation.EntityType, operation.DocumentID, stored.ID)
		}
		_, err := a.remote.Put(ctx, operation.EntityType, remote.Document{
			ID:     operation.DocumentID,
			Fields: operation.Fields,
		}, 0)
		return err
	default:
		return fmt.Errorf("audit: unknown repair kind %q", operation.Kind)
	}
}
