// Copyright 2025 James Ross
// Package queue implements the tier-routed, Redis-list-backed message broker
// that carries work between the scheduler and the extraction, transform, and
// embedding stages.
package queue

import "time"

// Stage identifies one of the three pipeline stages a message belongs to.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageTransform  Stage = "transform"
	StageEmbedding  Stage = "embedding"
)

// Envelope carries the fields common to every message on every stage queue.
// Stage-specific payload fields are embedded alongside it rather than nested,
// matching the flat wire-message shape the rest of the system expects.
type Envelope struct {
	MessageID     string            `json:"message_id"`
	TenantID      string            `json:"tenant_id"`
	IntegrationID string            `json:"integration_id"`
	JobID         string            `json:"job_id"`
	Provider      string            `json:"provider"`
	Attempt       int               `json:"attempt"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	TraceCarrier  map[string]string `json:"trace_carrier,omitempty"`
}

// ExtractionMessage drives one step of a provider's extraction state machine.
// Cursor is an opaque, provider-defined continuation token: a startAt/page
// index for Jira, or a GraphQL endCursor (plus parent identifiers) for
// GitHub's nested pagination.
type ExtractionMessage struct {
	Envelope
	// Kind names the current step for Jira (e.g. "projects_and_issue_types",
	// "work_items") or the message shape for GitHub ("pr_batch" | "pr_nested").
	Kind        string `json:"kind"`
	Cursor      string `json:"cursor,omitempty"`
	Parent      string `json:"parent,omitempty"`     // parent external_id for nested GitHub continuations
	ChildKind   string `json:"child_kind,omitempty"` // "commits" | "reviews" | "comments" | "reviewThreads"
	FirstItem   bool   `json:"first_item"`
	LastItem    bool   `json:"last_item"`
	LastJobItem bool   `json:"last_job_item"`
}

// TransformMessage points the transform stage at one row of raw extraction
// data to parse, validate, and bulk-upsert into canonical tables.
type TransformMessage struct {
	Envelope
	RawID string `json:"raw_id"`
}

// EmbeddingMessage carries a single canonical row (or a completion marker,
// when ExternalID is nil) through the embedding worker's status-sequencing
// logic.
type EmbeddingMessage struct {
	Envelope
	EntryID     string  `json:"entry_id"`
	TableName   string  `json:"table_name"`
	Type        string  `json:"type"`
	ExternalID  *string `json:"external_id"`
	FirstItem   bool    `json:"first_item"`
	LastItem    bool    `json:"last_item"`
	LastJobItem bool    `json:"last_job_item"`
	Text        string  `json:"text,omitempty"`
}

// IsCompletionMarker reports whether this message signals that the job's
// last work item of any kind has been emitted.
func (m EmbeddingMessage) IsCompletionMarker() bool {
	return m.ExternalID == nil && m.LastJobItem
}
