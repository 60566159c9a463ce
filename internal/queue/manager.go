// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/obs"
	"github.com/redis/go-redis/v9"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Manager publishes and consumes envelopes on the tier-routed stage queues.
// Each (tier, stage) pair owns one Redis list; consumers claim work with
// BRPopLPush into a per-consumer processing list and ack by LRem'ing it back
// out, the same manual-ack-over-lists idiom the reaper already expects.
type Manager struct {
	cfg     *config.Config
	rdb     *redis.Client
	log     *zap.Logger
	schemas map[Stage]*gojsonschema.Schema
}

func NewManager(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (*Manager, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, rdb: rdb, log: log, schemas: schemas}, nil
}

// QueueName returns the Redis key backing a tier's stage queue.
func QueueName(tier string, stage Stage) string {
	return fmt.Sprintf("etl:%s:%s", tier, stage)
}

// DeadLetterName returns the Redis key for a tier's stage dead-letter list.
func DeadLetterName(tier string, stage Stage) string {
	return fmt.Sprintf("etl:%s:%s:dlq", tier, stage)
}

func processingListName(tier string, stage Stage, consumerID string) string {
	return fmt.Sprintf("etl:%s:%s:processing:%s", tier, stage, consumerID)
}

// processingListPattern matches every processing list across every tier and
// stage, for the reaper's periodic scan.
const processingListPattern = "etl:*:*:processing:*"

func heartbeatKey(tier string, stage Stage, consumerID string) string {
	return fmt.Sprintf("etl:heartbeat:%s:%s:%s", tier, stage, consumerID)
}

// parseProcessingListKey recovers (tier, stage, consumerID) from a key
// matching processingListPattern.
func parseProcessingListKey(key string) (tier string, stage Stage, consumerID string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != "etl" || parts[3] != "processing" {
		return "", "", "", false
	}
	return parts[1], Stage(parts[2]), parts[4], true
}

func ttlKey(messageID string) string {
	return "etl:msgttl:" + messageID
}

// AllQueueNames enumerates every queue/DLQ key for every configured tier and
// stage, for the queue-length metrics updater and the admin surface.
func AllQueueNames(cfg *config.Config) []string {
	stages := []Stage{StageExtraction, StageTransform, StageEmbedding}
	names := make([]string, 0, len(cfg.Tiers.Names)*len(stages)*2)
	for _, tier := range cfg.Tiers.Names {
		for _, st := range stages {
			names = append(names, QueueName(tier, st), DeadLetterName(tier, st))
		}
	}
	return names
}

// Publish validates v against the stage's envelope schema, marshals it, and
// LPUSHes it onto the tier's stage queue, retrying publish failures a bounded
// number of times with exponential backoff. It also sets a companion TTL key
// so an abandoned message can be recognized and dropped on dequeue instead of
// processed well past its useful lifetime.
func (m *Manager) Publish(ctx context.Context, tier string, stage Stage, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if schema, ok := m.schemas[stage]; ok {
		if err := validate(schema, body); err != nil {
			return err
		}
	}

	var messageID string
	switch env := v.(type) {
	case ExtractionMessage:
		messageID = env.MessageID
	case TransformMessage:
		messageID = env.MessageID
	case EmbeddingMessage:
		messageID = env.MessageID
	}

	queueName := QueueName(tier, stage)
	ctx, span := obs.StartPublishSpan(ctx, queueName, string(stage))
	defer span.End()

	backoff := m.cfg.Queue.Backoff.Base
	var lastErr error
	for attempt := 0; attempt <= m.cfg.Queue.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < m.cfg.Queue.Backoff.Max {
				backoff *= 2
				if backoff > m.cfg.Queue.Backoff.Max {
					backoff = m.cfg.Queue.Backoff.Max
				}
			}
		}
		pipe := m.rdb.TxPipeline()
		pipe.LPush(ctx, queueName, body)
		if messageID != "" && m.cfg.Queue.MessageTTL > 0 {
			pipe.Set(ctx, ttlKey(messageID), "1", m.cfg.Queue.MessageTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			lastErr = err
			m.log.Warn("publish attempt failed", obs.String("queue", queueName), obs.Int("attempt", attempt), obs.Err(err))
			continue
		}
		obs.MessagesPublished.WithLabelValues(string(stage)).Inc()
		obs.RecordError(ctx, nil)
		obs.SetSpanSuccess(ctx)
		return nil
	}
	obs.RecordError(ctx, lastErr)
	return fmt.Errorf("publish to %s after %d attempts: %w", queueName, m.cfg.Queue.PublishRetries+1, lastErr)
}

// Dequeued wraps one message popped off a tier/stage queue along with what's
// needed to ack or nack it later.
type Dequeued struct {
	Raw            string
	ProcessingList string
	Expired        bool
}

// Consume blocks up to the configured BRPOP timeout for the next message on
// tier/stage, atomically moving it into consumerID's processing list.
func (m *Manager) Consume(ctx context.Context, tier string, stage Stage, consumerID string) (*Dequeued, error) {
	queueName := QueueName(tier, stage)
	plist := processingListName(tier, stage, consumerID)
	raw, err := m.rdb.BRPopLPush(ctx, queueName, plist, m.cfg.Queue.BRPopTimeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	obs.MessagesConsumed.WithLabelValues(string(stage)).Inc()

	var env Envelope
	expired := false
	if err := json.Unmarshal([]byte(raw), &env); err == nil && env.MessageID != "" {
		exists, _ := m.rdb.Exists(ctx, ttlKey(env.MessageID)).Result()
		expired = exists == 0
	}
	return &Dequeued{Raw: raw, ProcessingList: plist, Expired: expired}, nil
}

// Ack removes a successfully processed message from its processing list.
func (m *Manager) Ack(ctx context.Context, d *Dequeued) error {
	return m.rdb.LRem(ctx, d.ProcessingList, 1, d.Raw).Err()
}

// Nack removes the message from its processing list and either republishes it
// onto the origin queue (requeue=true) or moves it to the stage's dead-letter
// list. Attempts are not counted (the envelope's Attempt field is never
// incremented): the pipeline worker requeues every error not classified
// Fatal, so a message that keeps failing transiently is requeued without
// limit and only Fatal errors reach the dead-letter list.
func (m *Manager) Nack(ctx context.Context, tier string, stage Stage, d *Dequeued, requeue bool) error {
	pipe := m.rdb.TxPipeline()
	pipe.LRem(ctx, d.ProcessingList, 1, d.Raw)
	if requeue {
		pipe.LPush(ctx, QueueName(tier, stage), d.Raw)
		obs.MessagesRetried.WithLabelValues(string(stage)).Inc()
	} else {
		pipe.LPush(ctx, DeadLetterName(tier, stage), d.Raw)
		obs.MessagesDeadLettered.WithLabelValues(string(stage)).Inc()
	}
	_, err := pipe.Exec(ctx)
	return err
}

// HeartbeatInterval returns how often a worker should call Heartbeat to keep
// its processing list from being reaped as abandoned.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.cfg.Heartbeat.Interval
}

// Heartbeat announces that consumerID is still actively owning its
// processing list for tier/stage, refreshing a TTL key the reaper checks
// before deciding a processing list has been abandoned by a crashed worker.
func (m *Manager) Heartbeat(ctx context.Context, tier string, stage Stage, consumerID string) error {
	return m.rdb.Set(ctx, heartbeatKey(tier, stage, consumerID), "1", m.cfg.Heartbeat.TTL).Err()
}

// ProcessingList identifies one consumer's in-flight list, as discovered by
// ScanProcessingLists.
type ProcessingList struct {
	Key        string
	Tier       string
	Stage      Stage
	ConsumerID string
}

// ScanProcessingLists enumerates every tier/stage processing list currently
// present in Redis, regardless of whether its owning worker is still alive.
func (m *Manager) ScanProcessingLists(ctx context.Context) ([]ProcessingList, error) {
	var (
		cursor uint64
		out    []ProcessingList
	)
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, processingListPattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan processing lists: %w", err)
		}
		for _, key := range keys {
			tier, stage, consumerID, ok := parseProcessingListKey(key)
			if !ok {
				continue
			}
			out = append(out, ProcessingList{Key: key, Tier: tier, Stage: stage, ConsumerID: consumerID})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// IsAlive reports whether pl's owning worker has refreshed its heartbeat
// recently enough that its processing list should be left alone.
func (m *Manager) IsAlive(ctx context.Context, pl ProcessingList) (bool, error) {
	n, err := m.rdb.Exists(ctx, heartbeatKey(pl.Tier, pl.Stage, pl.ConsumerID)).Result()
	if err != nil {
		return false, fmt.Errorf("check heartbeat for %s: %w", pl.Key, err)
	}
	return n == 1, nil
}

// RequeueAbandoned drains every message left in pl's processing list back
// onto its tier/stage's origin queue, returning how many were recovered.
// Used by the reaper once IsAlive reports the owning worker is gone.
func (m *Manager) RequeueAbandoned(ctx context.Context, pl ProcessingList) (int, error) {
	queueName := QueueName(pl.Tier, pl.Stage)
	n := 0
	for {
		raw, err := m.rdb.RPop(ctx, pl.Key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return n, fmt.Errorf("drain processing list %s: %w", pl.Key, err)
		}
		if err := m.rdb.LPush(ctx, queueName, raw).Err(); err != nil {
			return n, fmt.Errorf("requeue abandoned message to %s: %w", queueName, err)
		}
		n++
		obs.MessagesRetried.WithLabelValues(string(pl.Stage)).Inc()
	}
	return n, nil
}
