// Package events carries post-commit side effects (XP awards, activity
// log entries) out of the request path. Failures here never affect the
// outcome of the job that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TypeXPAwarded      = "xp.awarded"
	TypeActivityLogged = "activity.logged"
)

// Event is one post-commit side effect.
type Event struct {
	Type       string
	UserID     string
	JobID      string
	Data       map[string]any
	OccurredAt time.Time
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// envelope is the wire format on the pub/sub channel.
type envelope struct {
	Version   string         `json:"version"`
	Type      string         `json:"type"`
	UserID    string         `json:"userId"`
	JobID     string         `json:"jobId,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Channel returns the pub/sub channel for an event type.
func Channel(eventType string) string {
	return fmt.Sprintf("events:v1:%s", eventType)
}

// RedisPublisher publishes events over Redis Pub/Sub.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to url and verifies the connection.
func NewRedisPublisher(ctx context.Context, url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	payload, err := json.Marshal(envelope{
		Version:   "1.0",
		Type:      e.Type,
		UserID:    e.UserID,
		JobID:     e.JobID,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Data:      e.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(ctx, Channel(e.Type), payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// LogPublisher writes events to the structured log when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	p.Logger.InfoContext(ctx, "post-commit event",
		"type", e.Type,
		"user_id", e.UserID,
		"job_id", e.JobID,
		"data", e.Data,
	)
	return nil
}
