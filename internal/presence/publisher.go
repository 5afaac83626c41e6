package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher fans presence changes out to whoever else cares (dashboards,
// other server instances). Publishing is best effort and never blocks a
// status write.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Change) error { return nil }

const (
	DefaultChannel   = "silo:presence"
	defaultKeyPrefix = "silo:presence:"
	snapshotTTL      = 24 * time.Hour
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// RedisPublisher keeps a per-agent snapshot hash and publishes every change
// on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	slog.Info("Connected to Redis", "addr", cfg.Addr, "channel", channel)

	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal presence change: %w", err)
	}

	key := defaultKeyPrefix + change.AgentID
	fields := map[string]interface{}{
		"status":     string(change.Status),
		"updated_at": change.At.UTC().Format(time.RFC3339Nano),
	}
	if !change.LastSeen.IsZero() {
		fields["last_seen"] = change.LastSeen.UTC().Format(time.RFC3339Nano)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, snapshotTTL)
	pipe.Publish(ctx, p.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish presence change: %w", err)
	}
	return nil
}

// Snapshot returns the last published status for an agent.
func (p *RedisPublisher) Snapshot(ctx context.Context, agentID string) (Status, error) {
	s, err := p.client.HGet(ctx, defaultKeyPrefix+agentID, "status").Result()
	if err != nil {
		return "", fmt.Errorf("failed to read presence snapshot: %w", err)
	}
	return ParseStatus(s)
}

// Subscribe streams changes published by any instance until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context) <-chan Change {
	sub := p.client.Subscribe(ctx, p.channel)
	out := make(chan Change, 16)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					slog.Warn("Dropping malformed presence message", "error", err)
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
