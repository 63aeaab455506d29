package audit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
)

const probeCollection = "integrity_probes"

// OrphanFinding is a child document referencing a non-existent parent.
type OrphanFinding struct {
	EntityType string `json:"entityType"`
	DocumentID string `json:"documentId"`
	ParentType string `json:"parentType"`
	ParentID   string `json:"parentId"`
}

// VerificationReport is the outcome of the post-repair health check.
type VerificationReport struct {
	CountsByType     map[string]int  `json:"countsByType"`
	WriteCheckPassed bool            `json:"writeCheckPassed"`
	Orphans          []OrphanFinding `json:"orphans,omitempty"`
	Errors           []string        `json:"errors,omitempty"`
}

// VerifyDataIntegrity re-reads per-type counts, proves the remote store is
// writable with a throwaway probe document, and scans for orphaned child
// records. Individual failures are collected; the check never aborts early.
func (a *Auditor) VerifyDataIntegrity(ctx context.Context) (VerificationReport, error) {
	report := VerificationReport{CountsByType: make(map[string]int)}

	parents := make(map[string]map[string]bool)
	for _, schema := range a.schemas {
		documents, err := a.remote.List(ctx, schema.EntityType)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: counting documents: %v", schema.EntityType, err))
			continue
		}
		report.CountsByType[schema.EntityType] = len(documents)
		existing := make(map[string]bool, len(documents))
		for _, doc := range documents {
			existing[doc.ID] = true
		}
		parents[schema.EntityType] = existing
	}

	report.WriteCheckPassed = a.probeWrites(ctx, &report)
	a.scanOrphans(ctx, parents, &report)

	a.logger.Info("integrity verification finished",
		zap.Bool("write_check_passed", report.WriteCheckPassed),
		zap.Int("orphans", len(report.Orphans)),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// probeWrites exercises a create/update/delete round-trip against a
// throwaway document.
func (a *Auditor) probeWrites(ctx context.Context, report *VerificationReport) bool {
	probe, err := a.remote.Create(ctx, probeCollection, remote.Document{
		Fields: map[string]any{
			"purpose":      "integrity_probe",
			"created_at_s": a.clock().UTC().Unix(),
		},
	})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("write probe create failed: %v", err))
		return false
	}

	probe.Fields["touched"] = true
	updated, err := a.remote.Put(ctx, probeCollection, probe, probe.Version)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("write probe update failed: %v", err))
		// Best effort cleanup; the probe carries no business data.
		_ = a.remote.Delete(ctx, probeCollection, probe.ID)
		return false
	}

	if err := a.remote.Delete(ctx, probeCollection, updated.ID); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("write probe delete failed: %v", err))
		return false
	}

	if _, err := a.remote.Get(ctx, probeCollection, updated.ID); !errors.Is(err, remote.ErrNotFound) {
		report.Errors = append(report.Errors, "write probe still present after delete")
		return false
	}
	return true
}

func (a *Auditor) scanOrphans(ctx context.Context, parents map[string]map[string]bool, report *VerificationReport) {
	for _, schema := range a.schemas {
		if schema.ParentRef == nil {
			continue
		}
		documents, err := a.remote.List(ctx, schema.EntityType)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: orphan scan: %v", schema.EntityType, err))
			continue
		}
		parentSet := parents[schema.ParentRef.ParentType]
		for _, doc := range documents {
			parentID := remote.StringField(doc, schema.ParentRef.Field)
			if parentID == "" || parentSet[parentID] {
				continue
			}
			report.Orphans = append(report.Orphans, OrphanFinding{
				EntityType: schema.EntityType,
				DocumentID: doc.ID,
				ParentType: schema.ParentRef.ParentType,
				ParentID:   parentID,
			})
		}
	}
}
