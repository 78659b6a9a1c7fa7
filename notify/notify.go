// Package notify publishes batch run summaries to the notification layer.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/policy-engine/policy"
)

// Notifier receives the summary of every batch run.
type Notifier interface {
	Publish(ctx context.Context, result policy.BatchResult) error
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes summaries to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Publish(_ context.Context, r policy.BatchResult) error {
	ev := n.log.Info()
	if r.Failed > 0 {
		ev = n.log.Warn()
	}
	ev.Str("operation", r.Operation).
		Int("succeeded", r.Succeeded).
		Int("failed", r.Failed).
		Int("skipped", r.Skipped).
		Dur("elapsed", r.FinishedAt.Sub(r.StartedAt)).
		Msg("batch finished")
	return nil
}

// =============================================================================
// REDIS NOTIFIER
// =============================================================================

// RedisNotifier publishes summaries as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisNotifier(rdb redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, r policy.BatchResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s summary: %w", r.Operation, err)
	}
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi publishes to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, r policy.BatchResult) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards summaries.
type Nop struct{}

func (Nop) Publish(context.Context, policy.BatchResult) error { return nil }
