// Package analytics records send volume counters in Redis, bucketed per
// schedule and local calendar day.
package analytics

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRetention is how long send counters are kept.
const DefaultRetention = 90 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, retention: DefaultRetention}
}

// WithRetention overrides the counter TTL.
func (s *RedisSink) WithRetention(retention time.Duration) *RedisSink {
	if retention > 0 {
		s.retention = retention
	}
	return s
}

// RecordSends increments the send counter for a schedule's day bucket.
// Analytics are best-effort: failures are logged, never propagated, so a
// Redis outage cannot fail a dispatch.
func (s *RedisSink) RecordSends(ctx context.Context, scheduleID uuid.UUID, runAt time.Time, count int) {
	if count <= 0 {
		return
	}

	key := buildKey(scheduleID, runAt)

	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, key, int64(count))
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: failed to record sends for schedule=%s: %v", scheduleID, err)
	}
}

// SendsOn returns the recorded send count for a schedule on the day bucket
// containing t. A missing key reads as zero.
func (s *RedisSink) SendsOn(ctx context.Context, scheduleID uuid.UUID, t time.Time) (int64, error) {
	val, err := s.client.Get(ctx, buildKey(scheduleID, t)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func buildKey(scheduleID uuid.UUID, t time.Time) string {
	return "sched:" + scheduleID.String() + ":sends:" + t.UTC().Format("20060102")
}
