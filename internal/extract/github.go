// Copyright 2025 James Ross
package extract

import (
	"context"
	"fmt"
	"strings"
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

var githubChildKinds = []string{"commits", "reviews", "comments", "reviewThreads"}

// GitHubExtractor walks a job through GraphQL-paginated PR batches and their
// nested per-PR child connections (commits/reviews/comments/reviewThreads),
// completing the job only once every connection of every PR has drained.
// Every cursor advance is persisted through ckpt so a job resumed by the
// scheduler after a crash or FAILED retry picks back up at the same page
// instead of re-walking every PR from the start.
type GitHubExtractor struct {
	cfg     *config.Config
	db      *sqlx.DB
	qm      *queue.Manager
	ckpt    *checkpoint.Store
	tenants *tenant.Cache
	log     *zap.Logger
}

func NewGitHubExtractor(cfg *config.Config, db *sqlx.DB, qm *queue.Manager, ckpt *checkpoint.Store, tenants *tenant.Cache, log *zap.Logger) *GitHubExtractor {
	return &GitHubExtractor{cfg: cfg, db: db, qm: qm, ckpt: ckpt, tenants: tenants, log: log}
}

func (e *GitHubExtractor) Process(ctx context.Context, msg queue.ExtractionMessage) error {
	integ, err := store.GetIntegration(ctx, e.db, msg.IntegrationID)
	if err != nil {
		return etlerr.AsFatal(err)
	}
	cp, err := e.ckpt.Load(ctx, msg.JobID)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	client := e.clientFor(integ)
	owner, repo, err := ownerRepo(integ)
	if err != nil {
		return etlerr.AsFatal(err)
	}

	switch msg.Kind {
	case "pr_batch":
		return e.processPRBatch(ctx, msg, cp, client, owner, repo)
	case "pr_nested":
		return e.processNested(ctx, msg, cp, client)
	default:
		return etlerr.AsFatal(fmt.Errorf("unknown github message kind %q", msg.Kind))
	}
}

func (e *GitHubExtractor) clientFor(integ *store.Integration) *githubClient {
	settings := integ.Settings.Value
	token, _ := settings["token"].(string)
	if token == "" {
		token = e.cfg.GitHub.Token
	}
	endpoint, _ := settings["endpoint"].(string)
	if endpoint == "" {
		endpoint = e.cfg.GitHub.BaseURL
	}
	return newGitHubClient(endpoint, token, e.cfg.GitHub.RequestTimeout)
}

func ownerRepo(integ *store.Integration) (string, string, error) {
	owner, _ := integ.Settings.Value["owner"].(string)
	repo, _ := integ.Settings.Value["repo"].(string)
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("github integration %s missing owner/repo settings", integ.ID)
	}
	return owner, repo, nil
}

// processPRBatch fetches one page of pull requests and, for each, the first
// page of each of its four child connections. Any child connection with more
// pages becomes its own pr_nested continuation message, recorded in
// cp["pending_nested"] so a crash can't lose track of it. The PR list's own
// cursor is recorded in cp["last_pr_cursor"] whenever more PR pages remain.
func (e *GitHubExtractor) processPRBatch(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any, client *githubClient, owner, repo string) error {
	page, err := client.fetchPRPage(ctx, owner, repo, msg.Cursor, e.cfg.GitHub.PageSize, e.cfg.GitHub.PageSize)
	if err != nil {
		return err
	}
	tier, err := e.tenants.Tier(ctx, msg.TenantID)
	if err != nil {
		return etlerr.AsTransient(err)
	}

	prs := page.Repository.PullRequests.Nodes
	morePRPages := page.Repository.PullRequests.PageInfo.HasNextPage

	for _, pr := range prs {
		pending := pendingChildKinds(pr)
		row := store.RawExtractionData{
			TenantID: msg.TenantID, IntegrationID: msg.IntegrationID, JobID: msg.JobID,
			TableName: "github_pr_batch", Type: "github_pr_batch",
			ExternalID: strPtr(pr.ID),
			Payload:    store.JSONColumn[map[string]any]{Value: prToPayload(pr)},
			FirstItem:  msg.FirstItem,
		}
		rawID, err := store.InsertRawRow(ctx, e.db, row)
		if err != nil {
			return etlerr.AsTransient(err)
		}
		if err := e.publishTransform(ctx, msg, tier, rawID); err != nil {
			return err
		}

		for _, ck := range pending {
			conn := connectionFor(pr, ck)
			next := queue.ExtractionMessage{
				Envelope: queue.Envelope{
					MessageID: uuid.NewString(), TenantID: msg.TenantID, IntegrationID: msg.IntegrationID,
					JobID: msg.JobID, Provider: "github", EnqueuedAt: time.Now(),
				},
				Kind: "pr_nested", Parent: pr.ID, ChildKind: ck, Cursor: conn.PageInfo.EndCursor,
			}
			if err := e.qm.Publish(ctx, string(tier), queue.StageExtraction, next); err != nil {
				return etlerr.AsTransient(err)
			}
			upsertPendingNested(cp, pr.ID, ck, conn.PageInfo.EndCursor)
		}

		if len(pending) == 0 {
			if err := e.maybeComplete(ctx, msg, tier, pr.ID, !morePRPages); err != nil {
				return err
			}
		}
	}

	if morePRPages {
		cp["last_pr_cursor"] = page.Repository.PullRequests.PageInfo.EndCursor
	} else {
		delete(cp, "last_pr_cursor")
	}
	if err := e.ckpt.Save(ctx, msg.JobID, cp); err != nil {
		return etlerr.AsTransient(err)
	}

	if morePRPages {
		next := msg
		next.MessageID = uuid.NewString()
		next.Cursor = page.Repository.PullRequests.PageInfo.EndCursor
		next.FirstItem = false
		next.EnqueuedAt = time.Now()
		return e.qm.Publish(ctx, string(tier), queue.StageExtraction, next)
	}

	if len(prs) == 0 {
		return e.emitCompletionMarker(ctx, msg, tier)
	}
	return nil
}

// processNested fetches the next page of a single child connection on a
// single PR. When that connection is exhausted it checks whether the whole
// job (PR pagination plus every PR's every child connection) is done.
func (e *GitHubExtractor) processNested(ctx context.Context, msg queue.ExtractionMessage, cp map[string]any, client *githubClient) error {
	conn, err := client.fetchNestedPage(ctx, msg.Parent, msg.ChildKind, msg.Cursor, e.cfg.GitHub.PageSize)
	if err != nil {
		return err
	}
	tier, err := e.tenants.Tier(ctx, msg.TenantID)
	if err != nil {
		return etlerr.AsTransient(err)
	}

	tableName := "github_pr_nested_" + strings.ToLower(msg.ChildKind)
	row := store.RawExtractionData{
		TenantID: msg.TenantID, IntegrationID: msg.IntegrationID, JobID: msg.JobID,
		TableName: tableName, Type: tableName,
		ExternalID: strPtr(msg.Parent),
		Payload:    store.JSONColumn[map[string]any]{Value: map[string]any{"nodes": conn.Nodes, "parent": msg.Parent}},
		LastItem:   !conn.PageInfo.HasNextPage,
	}
	rawID, err := store.InsertRawRow(ctx, e.db, row)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	if err := e.publishTransform(ctx, msg, tier, rawID); err != nil {
		return err
	}

	if conn.PageInfo.HasNextPage {
		upsertPendingNested(cp, msg.Parent, msg.ChildKind, conn.PageInfo.EndCursor)
		if err := e.ckpt.Save(ctx, msg.JobID, cp); err != nil {
			return etlerr.AsTransient(err)
		}
		next := msg
		next.MessageID = uuid.NewString()
		next.Cursor = conn.PageInfo.EndCursor
		next.EnqueuedAt = time.Now()
		return e.qm.Publish(ctx, string(tier), queue.StageExtraction, next)
	}

	removePendingNested(cp, msg.Parent, msg.ChildKind)
	if err := e.ckpt.Save(ctx, msg.JobID, cp); err != nil {
		return etlerr.AsTransient(err)
	}

	_, morePRPages := cp["last_pr_cursor"]
	return e.maybeComplete(ctx, msg, tier, msg.Parent, !morePRPages)
}

// maybeComplete checks whether every sibling raw row for this PR (its
// pr_batch row plus every child connection row) has finished, and if so
// whether this was also the last PR outstanding in the job. prPagingDone
// tells the caller whether PR-level pagination for the job is known to have
// advanced past this PR already; the completion marker can only ever fire
// once the PR list itself is exhausted, so this is a necessary but not
// sufficient condition checked by the caller.
func (e *GitHubExtractor) maybeComplete(ctx context.Context, msg queue.ExtractionMessage, tier store.TenantTier, prID string, prPagingDone bool) error {
	if !prPagingDone {
		return nil
	}
	n, err := store.CountPendingSiblings(ctx, e.db, msg.JobID, prID)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	if n > 0 {
		return nil
	}
	remaining, err := store.CountPendingRawRows(ctx, e.db, msg.JobID)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	if remaining > 0 {
		return nil
	}
	return e.emitCompletionMarker(ctx, msg, tier)
}

// emitCompletionMarker writes the synthetic zero-content raw row that
// unifies GitHub's "all PRs and all their children drained" signal with
// Jira's natural last-page-of-last-step signal: both become a raw row with
// LastJobItem set, which is all the transform stage needs to check.
func (e *GitHubExtractor) emitCompletionMarker(ctx context.Context, msg queue.ExtractionMessage, tier store.TenantTier) error {
	row := store.RawExtractionData{
		TenantID: msg.TenantID, IntegrationID: msg.IntegrationID, JobID: msg.JobID,
		TableName: "github_completion_marker", Type: "github_completion_marker",
		LastItem: true, LastJobItem: true,
	}
	rawID, err := store.InsertRawRow(ctx, e.db, row)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	if err := e.ckpt.Clear(ctx, msg.JobID); err != nil {
		return etlerr.AsTransient(err)
	}
	return e.publishTransform(ctx, msg, tier, rawID)
}

// upsertPendingNested records (or advances) the cursor for one child
// connection still being paginated for prID, so a restarted job can
// republish exactly the continuations that were in flight.
func upsertPendingNested(cp map[string]any, prID, kind, cursor string) {
	list, _ := cp["pending_nested"].([]any)
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok && m["pr_id"] == prID && m["kind"] == kind {
			m["cursor"] = cursor
			cp["pending_nested"] = list
			return
		}
	}
	cp["pending_nested"] = append(list, map[string]any{"pr_id": prID, "kind": kind, "cursor": cursor})
}

// removePendingNested drops prID/kind once its connection is exhausted.
func removePendingNested(cp map[string]any, prID, kind string) {
	list, _ := cp["pending_nested"].([]any)
	out := make([]any, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok && m["pr_id"] == prID && m["kind"] == kind {
			continue
		}
		out = append(out, entry)
	}
	cp["pending_nested"] = out
}

func (e *GitHubExtractor) publishTransform(ctx context.Context, msg queue.ExtractionMessage, tier store.TenantTier, rawID string) error {
	tmsg := queue.TransformMessage{
		Envelope: queue.Envelope{
			MessageID: uuid.NewString(), TenantID: msg.TenantID, IntegrationID: msg.IntegrationID,
			JobID: msg.JobID, Provider: "github", EnqueuedAt: time.Now(),
		},
		RawID: rawID,
	}
	if err := e.qm.Publish(ctx, string(tier), queue.StageTransform, tmsg); err != nil {
		return etlerr.AsTransient(err)
	}
	return nil
}

func pendingChildKinds(pr prNode) []string {
	var out []string
	for _, ck := range githubChildKinds {
		if connectionFor(pr, ck).PageInfo.HasNextPage {
			out = append(out, ck)
		}
	}
	return out
}

func connectionFor(pr prNode, kind string) connection {
	switch kind {
	case "commits":
		return pr.Commits
	case "reviews":
		return pr.Reviews
	case "comments":
		return pr.Comments
	case "reviewThreads":
		return pr.ReviewThreads
	default:
		return connection{}
	}
}

func prToPayload(pr prNode) map[string]any {
	return map[string]any{
		"id": pr.ID, "number": pr.Number, "title": pr.Title, "updated_at": pr.UpdatedAt,
		"commits": pr.Commits.Nodes, "commits_has_more": pr.Commits.PageInfo.HasNextPage,
		"reviews": pr.Reviews.Nodes, "reviews_has_more": pr.Reviews.PageInfo.HasNextPage,
		"comments": pr.Comments.Nodes, "comments_has_more": pr.Comments.PageInfo.HasNextPage,
		"review_threads": pr.ReviewThreads.Nodes, "review_threads_has_more": pr.ReviewThreads.PageInfo.HasNextPage,
	}
}

func strPtr(s string) *string { return &s }
