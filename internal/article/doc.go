// Package article defines the Article entity, its publication state machine,
// the error taxonomy shared by the triage core, and the Store interface used
// for optimistic, per-article persistence.
package article
