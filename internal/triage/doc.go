// Package triage provides the business boundary for Sentinel's article
// ingestion. It defines the Service (validation, idempotent create, stage
// orchestration, escalation hand-off), the Engine (pure relevancy fusion and
// triage policy), the collaborator interfaces, and the pipeline models.
package triage
