// Copyright 2025 James Ross
package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/checkpoint"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/flyingrobots/etl-sync-pipeline/internal/tenant"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// jiraSteps is the fixed order a job's extraction walks through, each step
// becoming its own "kind" on the extraction queue.
var jiraSteps = []string{
	"projects_and_issue_types",
	"statuses",
	"workflows_and_mappings",
	"custom_fields",
	"work_items",
	"changelogs",
	"dev_status",
}

func nextJiraStep(current string) (string, bool) {
	for i, s := range jiraSteps {
		if s == current {
			if i+1 < len(jiraSteps) {
				return jiraSteps[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// JiraExtractor walks a job through the seven-step Jira sync sequence,
// persisting one raw_extraction_data row per page and either paginating the
// current step or advancing to the next one.
type JiraExtractor struct {
	cfg     *config.Config
	db      *sqlx.DB
	qm      *queue.Manager
	ckpt    *checkpoint.Store
	tenants *tenant.Cache
	log     *zap.Logger
}

func NewJiraExtractor(cfg *config.Config, db *sqlx.DB, qm *queue.Manager, ckpt *checkpoint.Store, tenants *tenant.Cache, log *zap.Logger) *JiraExtractor {
	return &JiraExtractor{cfg: cfg, db: db, qm: qm, ckpt: ckpt, tenants: tenants, log: log}
}

func (e *JiraExtractor) Process(ctx context.Context, msg queue.ExtractionMessage) error {
	integ, err := store.GetIntegration(ctx, e.db, msg.IntegrationID)
	if err != nil {
		return etlerr.AsFatal(err)
	}
	cp, err := e.ckpt.Load(ctx, msg.JobID)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	client := e.clientFor(integ)

	switch msg.Kind {
	case "projects_and_issue_types":
		return e.stepProjects(ctx, msg, cp, client)
	case "statuses":
		return e.stepStatuses(ctx, msg, cp, client)
	case "workflows_and_mappings":
		return e.stepWorkflowsAndMappings(ctx, msg, cp)
	case "custom_fields":
		return e.stepCustomFields(ctx, msg, cp, client)
	case "work_items":
		return e.stepWorkItems(ctx, msg, cp, client, integ)
	case "changelogs":
		return e.stepChangelogs(ctx, msg, cp)
	case "dev_status":
		return e.stepDevStatus(ctx, msg, cp)
	default:
		return etlerr.AsFatal(fmt.Errorf("unknown jira step %q", msg.Kind))
	}
}

func (e *JiraExtractor) clientFor(integ *store.Integration) *jiraClient {
	settings := integ.Settings.Value
	baseURL, _ := settings["base_url"].(string)
	email, _ := settings["email"].(string)
	token, _ := settings["api_token"].(string)
	if baseURL == "" {
		baseURL = e.cfg.Jira.BaseURL
	}
	if email == "" {
		email = e.cfg.Jira.Email
	}
	if token == "" {
		token = e.cfg.Jira.APIToken
	}
	return newJiraClient(baseURL, email, token, e.cfg.Jira.RequestTimeout)
}

func startAtOf(cp map[string]any) int {
	switch v := cp["start_at"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (e *JiraExtractor) stepProjects(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any, client *jiraClient) error {
	startAt := startAtOf(cp)
	page, err := client.getProjects(ctx, startAt, e.cfg.Jira.PageSize)
	if err != nil {
		return err
	}
	return e.persistPageAndAdvance(ctx, msg, cp, "jira_projects_and_issue_types", page.Values, startAt, page.Total)
}

func (e *JiraExtractor) stepStatuses(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any, client *jiraClient) error {
	keys, err := e.jobProjectKeys(ctx, msg.JobID)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	var all []map[string]any
	for _, k := range keys {
		statuses, err := client.getProjectStatuses(ctx, k)
		if err != nil {
			return err
		}
		all = append(all, map[string]any{"project_key": k, "issue_types": statuses})
	}
	return e.persistPageAndAdvance(ctx, msg, cp, "jira_statuses", all, 0, len(all))
}

// stepWorkflowsAndMappings is derived from configuration rather than fetched
// from the API; it writes a marker row the transform stage reads to build
// StatusMapping rows from the configured status-name table. No Workflow rows
// are built from it.
func (e *JiraExtractor) stepWorkflowsAndMappings(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any) error {
	return e.persistPageAndAdvance(ctx, msg, cp, "jira_workflows_and_mappings", nil, 0, 0)
}

func (e *JiraExtractor) stepCustomFields(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any, client *jiraClient) error {
	keys, err := e.jobProjectKeys(ctx, msg.JobID)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	meta, err := client.getCreateMeta(ctx, keys)
	if err != nil {
		return err
	}
	return e.persistPageAndAdvance(ctx, msg, cp, "jira_custom_fields", []map[string]any{meta}, 0, 1)
}

func (e *JiraExtractor) stepWorkItems(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any, client *jiraClient, integ *store.Integration) error {
	since := "1970-01-01 00:00"
	if integ.LastSyncAt != nil {
		since = integ.LastSyncAt.UTC().Format("2006-01-02 15:04")
	}
	jql := fmt.Sprintf(`updated > "%s" ORDER BY updated ASC`, since)

	startAt := startAtOf(cp)
	page, err := client.searchIssues(ctx, jql, startAt, e.cfg.Jira.PageSize)
	if err != nil {
		return err
	}
	return e.persistPageAndAdvance(ctx, msg, cp, "jira_work_items", page.Values, startAt, page.Total)
}

// stepChangelogs and stepDevStatus intentionally fetch nothing further:
// changelog and dev-status-link enrichment ride along with the work_items
// payload already captured, so these steps just advance the chain.
func (e *JiraExtractor) stepChangelogs(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any) error {
	return e.persistPageAndAdvance(ctx, msg, cp, "jira_changelogs", nil, 0, 0)
}

func (e *JiraExtractor) stepDevStatus(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any) error {
	return e.persistPageAndAdvance(ctx, msg, cp, "jira_dev_status", nil, 0, 0)
}

// jobProjectKeys recovers the project keys discovered by the
// projects_and_issue_types step by reading back its raw rows, so later steps
// don't need their own cross-step state beyond the checkpoint.
func (e *JiraExtractor) jobProjectKeys(ctx context.Context, jobID string) ([]string, error) {
	var rows []store.RawExtractionData
	err := e.db.SelectContext(ctx, &rows, `
		SELECT * FROM raw_extraction_data WHERE job_id = $1 AND table_name = 'jira_projects_and_issue_types'`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load project keys for job %s: %w", jobID, err)
	}
	seen := map[string]struct{}{}
	var keys []string
	for _, row := range rows {
		values, _ := row.Payload.Value["values"].([]any)
		for _, v := range values {
			proj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if key, ok := proj["key"].(string); ok {
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					keys = append(keys, key)
				}
			}
		}
	}
	return keys, nil
}

// persistPageAndAdvance writes one raw row for the current page, publishes a
// transform message for it, and either republishes the same step for its next
// page or advances the checkpoint and publishes the next step.
func (e *JiraExtractor) persistPageAndAdvance(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any, tableName string, values []map[string]any, startAt, total int) error {
	last := startAt+len(values) >= total
	_, isLastStep := nextJiraStep(msg.Kind)
	isLastStep = !isLastStep

	row := store.RawExtractionData{
		TenantID:      msg.TenantID,
		IntegrationID: msg.IntegrationID,
		JobID:         msg.JobID,
		TableName:     tableName,
		Type:          tableName,
		Payload:       store.JSONColumn[map[string]any]{Value: map[string]any{"values": values, "total": total, "start_at": startAt}},
		FirstItem:     msg.FirstItem,
		LastItem:      last,
		LastJobItem:   last && isLastStep,
	}
	rawID, err := store.InsertRawRow(ctx, e.db, row)
	if err != nil {
		return etlerr.AsTransient(err)
	}

	tier, err := e.tenants.Tier(ctx, msg.TenantID)
	if err != nil {
		return etlerr.AsTransient(err)
	}

	tmsg := queue.TransformMessage{
		Envelope: queue.Envelope{
			MessageID: uuid.NewString(), TenantID: msg.TenantID, IntegrationID: msg.IntegrationID,
			JobID: msg.JobID, Provider: "jira", EnqueuedAt: time.Now(),
		},
		RawID: rawID,
	}
	if err := e.qm.Publish(ctx, string(tier), queue.StageTransform, tmsg); err != nil {
		return etlerr.AsTransient(err)
	}

	if !last {
		cp["start_at"] = startAt + len(values)
		if err := e.ckpt.Save(ctx, msg.JobID, cp); err != nil {
			return etlerr.AsTransient(err)
		}
		next := msg
		next.MessageID = uuid.NewString()
		next.FirstItem = false
		next.EnqueuedAt = time.Now()
		return e.qm.Publish(ctx, string(tier), queue.StageExtraction, next)
	}

	if isLastStep {
		return e.ckpt.Clear(ctx, msg.JobID)
	}

	nextStep, _ := nextJiraStep(msg.Kind)
	if err := e.ckpt.Save(ctx, msg.JobID, map[string]any{"step": nextStep, "start_at": 0}); err != nil {
		return etlerr.AsTransient(err)
	}
	next := queue.ExtractionMessage{
		Envelope: queue.Envelope{
			MessageID: uuid.NewString(), TenantID: msg.TenantID, IntegrationID: msg.IntegrationID,
			JobID: msg.JobID, Provider: "jira", EnqueuedAt: time.Now(),
		},
		Kind:      nextStep,
		FirstItem: true,
	}
	return e.qm.Publish(ctx, string(tier), queue.StageExtraction, next)
}
