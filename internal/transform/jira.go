// Copyright 2025 James Ross
package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
)

// jiraCanonicalTables maps a Jira raw row type to the canonical table it
// upserts into.
var jiraCanonicalTables = map[string]string{
	"jira_projects_and_issue_types": "jira_projects",
	"jira_statuses":                 "jira_statuses",
	"jira_custom_fields":            "jira_custom_fields",
	"jira_work_items":               "jira_work_items",
}

// applyJiraGenericRows upserts the page's values as canonical rows keyed by
// whatever identifying field the payload carries (key/id), and emits an
// embedding message per row.
func (w *Worker) applyJiraGenericRows(ctx context.Context, msg queue.TransformMessage, tier store.TenantTier, row *store.RawExtractionData) error {
	table, ok := jiraCanonicalTables[row.Type]
	if !ok {
		return etlerr.AsFatal(fmt.Errorf("transform: unknown jira raw row type %q", row.Type))
	}

	values, _ := row.Payload.Value["values"].([]any)
	if len(values) == 0 {
		return nil
	}

	canonRows := make([]store.Row, 0, len(values))
	externalIDs := make([]string, 0, len(values))
	for _, v := range values {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		externalID := jiraExternalID(obj)
		if externalID == "" {
			continue
		}
		canonRows = append(canonRows, store.Row{
			"tenant_id": row.TenantID, "integration_id": row.IntegrationID,
			"external_id": externalID, "raw_data": obj,
		})
		externalIDs = append(externalIDs, externalID)
	}
	if len(canonRows) == 0 {
		return nil
	}

	if _, err := store.BulkUpsert(ctx, w.db, table, canonRows, w.cfg.Transform.BatchSize, nil); err != nil {
		return etlerr.AsTransient(err)
	}

	for i, externalID := range externalIDs {
		last := row.LastItem && i == len(externalIDs)-1
		if err := w.emitEntityEmbedding(ctx, msg, tier, table, externalID, row.FirstItem && i == 0, last, false); err != nil {
			return err
		}
	}
	return nil
}

func jiraExternalID(obj map[string]any) string {
	if key, ok := obj["key"].(string); ok && key != "" {
		return key
	}
	if id, ok := obj["id"].(string); ok && id != "" {
		return id
	}
	return ""
}

// applyJiraStatusMapping builds StatusMapping rows (jira_status_mappings) from the
// configured status-name-to-flow-step table, keyed by (tenant, integration,
// from_name) case-insensitive and trimmed.
func (w *Worker) applyJiraStatusMapping(ctx context.Context, msg queue.TransformMessage, tier store.TenantTier, row *store.RawExtractionData) error {
	if len(w.cfg.Jira.StatusMapping) == 0 {
		return nil
	}
	rows := make([]store.Row, 0, len(w.cfg.Jira.StatusMapping))
	for fromName, toStep := range w.cfg.Jira.StatusMapping {
		key := strings.ToLower(strings.TrimSpace(fromName))
		rows = append(rows, store.Row{
			"tenant_id": row.TenantID, "integration_id": row.IntegrationID,
			"external_id": key, "from_name": key, "to_step": toStep,
		})
	}
	if _, err := store.BulkUpsert(ctx, w.db, "jira_status_mappings", rows, w.cfg.Transform.BatchSize, nil); err != nil {
		return etlerr.AsTransient(err)
	}
	return nil
}
