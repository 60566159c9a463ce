// Copyright 2025 James Ross
// Package adminapi implements the operator-facing read/control surface over
// a running pipeline: queue/DLQ stats, peeking at in-flight messages, DLQ
// purges, and replaying a failed job. It exists because spec.md's "operators
// see step-level progress and error reason" requirement needs something to
// look through even with the TUI out of scope.
package adminapi

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

var stages = []queue.Stage{queue.StageExtraction, queue.StageTransform, queue.StageEmbedding}

// Stats reports queue and dead-letter depths for every configured tier and
// pipeline stage.
type Stats struct {
	Queues      map[string]int64 `json:"queues"`
	DeadLetters map[string]int64 `json:"dead_letters"`
}

func GetStats(ctx context.Context, cfg *config.Config, rdb *redis.Client) (Stats, error) {
	out := Stats{Queues: map[string]int64{}, DeadLetters: map[string]int64{}}
	for _, tier := range cfg.Tiers.Names {
		for _, st := range stages {
			qn := queue.QueueName(tier, st)
			n, err := rdb.LLen(ctx, qn).Result()
			if err != nil {
				return out, fmt.Errorf("llen %s: %w", qn, err)
			}
			out.Queues[qn] = n

			dn := queue.DeadLetterName(tier, st)
			n, err = rdb.LLen(ctx, dn).Result()
			if err != nil {
				return out, fmt.Errorf("llen %s: %w", dn, err)
			}
			out.DeadLetters[dn] = n
		}
	}
	return out, nil
}

// PeekResult is a snapshot of the next items a stage's consumers would claim.
type PeekResult struct {
	Queue string   `json:"queue"`
	Items []string `json:"items"`
}

// Peek returns up to n messages still waiting on tier's stage queue, without
// claiming them. Items to be consumed next sit at the list's right end.
func Peek(ctx context.Context, rdb *redis.Client, tier string, stage queue.Stage, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	qn := queue.QueueName(tier, stage)
	items, err := rdb.LRange(ctx, qn, -n, -1).Result()
	if err != nil {
		return PeekResult{}, fmt.Errorf("peek %s: %w", qn, err)
	}
	return PeekResult{Queue: qn, Items: items}, nil
}

// PeekDLQ is Peek's dead-letter counterpart, for inspecting why messages
// landed there before deciding whether to purge or replay.
func PeekDLQ(ctx context.Context, rdb *redis.Client, tier string, stage queue.Stage, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	qn := queue.DeadLetterName(tier, stage)
	items, err := rdb.LRange(ctx, qn, -n, -1).Result()
	if err != nil {
		return PeekResult{}, fmt.Errorf("peek %s: %w", qn, err)
	}
	return PeekResult{Queue: qn, Items: items}, nil
}

// PurgeDLQ deletes every message dead-lettered for tier's stage.
func PurgeDLQ(ctx context.Context, rdb *redis.Client, tier string, stage queue.Stage) (int64, error) {
	qn := queue.DeadLetterName(tier, stage)
	n, err := rdb.LLen(ctx, qn).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", qn, err)
	}
	if err := rdb.Del(ctx, qn).Err(); err != nil {
		return 0, fmt.Errorf("purge %s: %w", qn, err)
	}
	return n, nil
}

// PurgeAll deletes every queue, dead-letter list, and processing list across
// every tier and stage. Intended for test/staging environments, mirroring
// the teacher's blunt PurgeAll escape hatch.
func PurgeAll(ctx context.Context, cfg *config.Config, rdb *redis.Client) (int64, error) {
	keys := queue.AllQueueNames(cfg)
	var deleted int64
	if len(keys) > 0 {
		n, err := rdb.Del(ctx, keys...).Result()
		if err != nil {
			return deleted, fmt.Errorf("purge queues: %w", err)
		}
		deleted += n
	}

	var cursor uint64
	for {
		found, next, err := rdb.Scan(ctx, cursor, "etl:*:*:processing:*", 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan processing lists: %w", err)
		}
		if len(found) > 0 {
			n, err := rdb.Del(ctx, found...).Result()
			if err != nil {
				return deleted, fmt.Errorf("purge processing lists: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// ParseTierStage resolves an operator-supplied "tier/stage" alias (e.g.
// "basic/transform") into its typed form, listing valid stages on failure.
func ParseTierStage(alias string) (tier string, stage queue.Stage, err error) {
	parts := strings.SplitN(alias, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected tier/stage (e.g. basic/transform), got %q", alias)
	}
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	sort.Strings(names)
	for _, s := range stages {
		if string(s) == parts[1] {
			return parts[0], s, nil
		}
	}
	return "", "", fmt.Errorf("unknown stage %q; known stages: %s", parts[1], strings.Join(names, ", "))
}

// ReplayFailedJob resets a FAILED job back to PENDING so the scheduler picks
// it up on its next tick, the operator-triggered counterpart to the
// reaper's automatic stuck-job recovery.
func ReplayFailedJob(ctx context.Context, db *sqlx.DB, jobID string) error {
	return store.ReplayFailedJob(ctx, db, jobID)
}
