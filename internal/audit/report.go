package audit

import (
	"context"
	"encoding/json"
	"fmt"
)

// IntegrityReport combines audit, recovery, and verification results into
// the artifact exposed to the UI collaborator and the maintenance CLI.
type IntegrityReport struct {
	GeneratedAtSeconds int64              `json:"generatedAtSeconds"`
	Audit              AuditReport        `json:"audit"`
	Recovery           RecoveryReport     `json:"recovery"`
	Verification       VerificationReport `json:"verification"`
	IssuesFound        int                `json:"issuesFound"`
	IssuesFixed        int                `json:"issuesFixed"`
	IssuesRemaining    int                `json:"issuesRemaining"`
	Recommendations    []string           `json:"recommendations"`
}

// Healthy reports whether the store passed every gate, suitable for an
// automated ready-for-production check.
func (r IntegrityReport) Healthy() bool {
	return r.IssuesRemaining == 0 &&
		r.Verification.WriteCheckPassed &&
		len(r.Verification.Orphans) == 0 &&
		len(r.Audit.Errors) == 0
}

// ExportJSON serializes the report for a downloadable artifact.
func (r IntegrityReport) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FullIntegrityCheck runs audit, recovery, re-audit, and verification in
// sequence and aggregates the structured report.
func (a *Auditor) FullIntegrityCheck(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{GeneratedAtSeconds: a.clock().UTC().Unix()}

	auditReport, err := a.PerformFullAudit(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}
	report.Audit = auditReport
	report.IssuesFound = auditReport.InvalidCount()

	recoveryReport, err := a.PerformDataRecovery(ctx, auditReport)
	if err != nil {
		return IntegrityReport{}, err
	}
	report.Recovery = recoveryReport

	// Remaining issues are measured, not inferred: a second audit reflects
	// what repair actually fixed.
	postAudit, err := a.PerformFullAudit(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}
	report.IssuesRemaining = postAudit.InvalidCount()
	report.IssuesFixed = report.IssuesFound - report.IssuesRemaining
	if report.IssuesFixed < 0 {
		report.IssuesFixed = 0
	}

	verification, err := a.VerifyDataIntegrity(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}
	report.Verification = verification

	report.Recommendations = buildRecommendations(report)
	return report, nil
}

func buildRecommendations(report IntegrityReport) []string {
	var recommendations []string
	if report.IssuesRemaining > 0 {
		recommendations = append(recommendations, fmt.Sprintf(
			"%d documents still fail schema validation; inspect the audit findings and repair manually",
			report.IssuesRemaining))
	}
	if !report.Verification.WriteCheckPassed {
		recommendations = append(recommendations,
			"the remote store rejected the write probe; check credentials and security rules before relying on sync")
	}
	if len(report.Verification.Orphans) > 0 {
		recommendations = append(recommendations, fmt.Sprintf(
			"%d child records reference missing parents; restore the parents or archive the children",
			len(report.Verification.Orphans)))
	}
	if report.Recovery.DocumentsMigrated > 0 {
		recommendations = append(recommendations, fmt.Sprintf(
			"%d local-only documents were migrated to the remote store; verify them in the dashboard",
			report.Recovery.DocumentsMigrated))
	}
	if len(recommendations) == 0 {
		recommendations = append(recommendations, "no structural issues detected; store is ready for production use")
	}
	return recommendations
}
