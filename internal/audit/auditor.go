package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

const defaultBatchSize = 500

var (
	errMissingRemote = errors.New("audit: remote store is required")
	errMissingLocal  = errors.New("audit: local store is required")
)

// Finding describes one remote document's deviation from its declared schema.
type Finding struct {
	EntityType    string   `json:"entityType"`
	DocumentID    string   `json:"documentId"`
	IsValid       bool     `json:"isValid"`
	MissingFields []string `json:"missingFields,omitempty"`
	TypeErrors    []string `json:"dataTypeErrors,omitempty"`
}

// TypeSummary aggregates findings for one entity type.
type TypeSummary struct {
	EntityType        string   `json:"entityType"`
	Total             int      `json:"total"`
	Valid             int      `json:"valid"`
	Invalid           int      `json:"invalid"`
	MissingFieldNames []string `json:"missingFieldNames,omitempty"`
}

// AuditReport is the outcome of one full audit run. Findings are recomputed
// per run and never persisted.
type AuditReport struct {
	StartedAtSeconds  int64         `json:"startedAtSeconds"`
	FinishedAtSeconds int64         `json:"finishedAtSeconds"`
	Summaries         []TypeSummary `json:"summaries"`
	Findings          []Finding     `json:"findings"`
	Errors            []string      `json:"errors,omitempty"`
}

// InvalidCount returns the number of invalid documents across all types.
func (r AuditReport) InvalidCount() int {
	count := 0
	for _, summary := range r.Summaries {
		count += summary.Invalid
	}
	return count
}

// AuditorConfig describes the dependencies of the integrity auditor.
type AuditorConfig struct {
	Remote    remote.Store
	Local     *localstore.Store
	Schemas   []Schema
	Clock     func() time.Time
	Logger    *zap.Logger
	BatchSize int
}

// Auditor validates remote documents against declared schemas, generates
// repair operations, and verifies the remote store's health. It runs
// out-of-band from the sync queue and is manually triggered.
type Auditor struct {
	remote    remote.Store
	local     *localstore.Store
	schemas   []Schema
	clock     func() time.Time
	logger    *zap.Logger
	batchSize int
}

// NewAuditor constructs the auditor.
func NewAuditor(cfg AuditorConfig) (*Auditor, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	schemas := cfg.Schemas
	if len(schemas) == 0 {
		schemas = BuiltinSchemas()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Auditor{
		remote:    cfg.Remote,
		local:     cfg.Local,
		schemas:   schemas,
		clock:     clock,
		logger:    logger,
		batchSize: batchSize,
	}, nil
}

// PerformFullAudit reads every remote document of every declared entity type
// and validates it. Per-type read failures are collected into the report
// rather than aborting the run; a partial audit is still valuable.
func (a *Auditor) PerformFullAudit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{StartedAtSeconds: a.clock().UTC().Unix()}

	for _, schema := range a.schemas {
		documents, err := a.remote.List(ctx, schema.EntityType)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: listing documents: %v", schema.EntityType, err))
			a.logger.Warn("audit skipped entity type",
				zap.String("entity_type", schema.EntityType), zap.Error(err))
			continue
		}

		summary := TypeSummary{EntityType: schema.EntityType, Total: len(documents)}
		missingNames := make(map[string]bool)
		for _, doc := range documents {
			finding := validateDocument(schema, doc)
			if finding.IsValid {
				summary.Valid++
				continue
			}
			summary.Invalid++
			for _, name := range finding.MissingFields {
				missingNames[name] = true
			}
			report.Findings = append(report.Findings, finding)
		}
		summary.MissingFieldNames = sortedNames(missingNames)
		report.Summaries = append(report.Summaries, summary)
	}

	report.FinishedAtSeconds = a.clock().UTC().Unix()
	a.logger.Info("full audit finished",
		zap.Int("invalid_documents", report.InvalidCount()),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// validateDocument checks one document against its schema.
func validateDocument(schema Schema, doc remote.Document) Finding {
	finding := Finding{
		EntityType: schema.EntityType,
		DocumentID: doc.ID,
		IsValid:    true,
	}
	for _, field := range schema.Fields {
		value, present := doc.Fields[field.Name]
		if !present || value == nil {
			if field.Required {
				finding.IsValid = false
				finding.MissingFields = append(finding.MissingFields, field.Name)
			}
			continue
		}
		if !TypeMatches(field.Type, value) {
			finding.IsValid = false
			finding.TypeErrors = append(finding.TypeErrors,
				fmt.Sprintf("%s: expected %s, got %T", field.Name, field.Type, value))
		}
	}
	return finding
}

func (a *Auditor) schemaFor(entityType string) (Schema, bool) {
	for _, schema := range a.schemas {
		if schema.EntityType == entityType {
			return schema, true
		}
	}
	return Schema{}, false
}

func sortedNames(names map[string]bool) []string {
	if len(names) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	return sorted
}
