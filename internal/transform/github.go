// Copyright 2025 James Ross
package transform

import (
	"context"
	"strings"

	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
)

var githubChildTables = map[string]string{
	"commits":       "github_pr_commits",
	"reviews":       "github_pr_reviews",
	"comments":      "github_pr_comments",
	"reviewthreads": "github_pr_review_threads",
}

// githubPayloadKeys maps the same child kinds to the prefix used for the
// *_has_more / node-list keys extract/github.go writes into a pr_batch
// payload (those keep the underscore; raw row type suffixes don't, since
// they're derived by lowercasing the GraphQL field name verbatim).
var githubPayloadKeys = map[string]string{
	"commits":       "commits",
	"reviews":       "reviews",
	"comments":      "comments",
	"reviewthreads": "review_threads",
}

// applyGitHubPRBatch upserts the PR itself and any child connection whose
// first page was already complete, then checks whether all four child
// connections were complete so the PR's own embedding can be emitted now
// rather than waiting on pr_nested continuations.
func (w *Worker) applyGitHubPRBatch(ctx context.Context, msg queue.TransformMessage, tier store.TenantTier, row *store.RawExtractionData) error {
	payload := row.Payload.Value
	externalID := derefOr(row.ExternalID, "")
	if externalID == "" {
		return etlerr.AsFatal(errGitHubMissingExternalID(row.Type))
	}

	prRow := store.Row{
		"tenant_id": row.TenantID, "integration_id": row.IntegrationID,
		"external_id": externalID, "raw_data": payload,
	}
	if _, err := store.BulkUpsert(ctx, w.db, "github_pull_requests", []store.Row{prRow}, w.cfg.Transform.BatchSize, nil); err != nil {
		return etlerr.AsTransient(err)
	}

	allChildrenDone := true
	for kind, table := range githubChildTables {
		payloadKey := githubPayloadKeys[kind]
		hasMore, _ := payload[payloadKey+"_has_more"].(bool)
		if hasMore {
			allChildrenDone = false
			continue
		}
		nodes, _ := payload[payloadKey].([]any)
		if len(nodes) == 0 {
			continue
		}
		childRows := make([]store.Row, 0, len(nodes))
		for _, n := range nodes {
			node, _ := n.(map[string]any)
			id, _ := node["id"].(string)
			if oid, ok := node["oid"].(string); ok && id == "" {
				id = oid
			}
			childRows = append(childRows, store.Row{"tenant_id": row.TenantID, "integration_id": row.IntegrationID, "external_id": id, "raw_data": node})
		}
		if _, err := store.BulkUpsert(ctx, w.db, table, childRows, w.cfg.Transform.BatchSize, nil); err != nil {
			return etlerr.AsTransient(err)
		}
		if err := w.emitEntityEmbedding(ctx, msg, tier, table, externalID, row.FirstItem, true, false); err != nil {
			return err
		}
	}

	if allChildrenDone {
		return w.emitEntityEmbedding(ctx, msg, tier, "github_pull_requests", externalID, row.FirstItem, row.LastItem, row.LastJobItem)
	}
	return nil
}

// applyGitHubNested upserts one page of a single child connection and, once
// that connection's pagination and every other child kind for the same PR
// have drained (checked by CountPendingSiblings against outstanding raw
// rows), emits the PR's own embedding.
func (w *Worker) applyGitHubNested(ctx context.Context, msg queue.TransformMessage, tier store.TenantTier, row *store.RawExtractionData) error {
	childKind := strings.TrimPrefix(row.Type, "github_pr_nested_")
	table, ok := githubChildTables[strings.ToLower(childKind)]
	if !ok {
		return etlerr.AsFatal(errGitHubMissingExternalID(row.Type))
	}

	payload := row.Payload.Value
	nodes, _ := payload["nodes"].([]any)
	parent, _ := payload["parent"].(string)
	if parent == "" {
		parent = derefOr(row.ExternalID, "")
	}

	if len(nodes) > 0 {
		childRows := make([]store.Row, 0, len(nodes))
		for _, n := range nodes {
			node, _ := n.(map[string]any)
			id, _ := node["id"].(string)
			if oid, ok := node["oid"].(string); ok && id == "" {
				id = oid
			}
			childRows = append(childRows, store.Row{"tenant_id": row.TenantID, "integration_id": row.IntegrationID, "external_id": id, "raw_data": node})
		}
		if _, err := store.BulkUpsert(ctx, w.db, table, childRows, w.cfg.Transform.BatchSize, nil); err != nil {
			return etlerr.AsTransient(err)
		}
		if err := w.emitEntityEmbedding(ctx, msg, tier, table, parent, row.FirstItem, row.LastItem, false); err != nil {
			return err
		}
	}

	if !row.LastItem {
		// More pages of this child connection still to come.
		return nil
	}
	pending, err := store.CountPendingSiblings(ctx, w.db, row.JobID, parent)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	if pending > 0 {
		return nil
	}
	return w.emitEntityEmbedding(ctx, msg, tier, "github_pull_requests", parent, row.FirstItem, row.LastItem, row.LastJobItem)
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func errGitHubMissingExternalID(t string) error {
	return &githubRowError{t: t}
}

type githubRowError struct{ t string }

func (e *githubRowError) Error() string { return "transform: github raw row missing data for type " + e.t }
