package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorKeyPrefix = "presence:"
	onlineSetKey    = "online_users"
)

// Mirror publishes presence changes to an external store so other services
// can read them. The in-memory Registry stays authoritative.
type Mirror interface {
	Publish(ctx context.Context, p UserPresence) error
	Remove(ctx context.Context, userID string) error
}

// NopMirror discards every update.
type NopMirror struct{}

func (NopMirror) Publish(context.Context, UserPresence) error { return nil }
func (NopMirror) Remove(context.Context, string) error        { return nil }

type mirrorRecord struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	ConnID   ConnID    `json:"conn_id"`
	LastSeen time.Time `json:"last_seen"`
}

// RedisMirror stores one JSON record per user under presence:<id> with a TTL
// and keeps the online_users set in step.
type RedisMirror struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisMirror returns a mirror writing through client. Records expire after
// ttl unless refreshed.
func NewRedisMirror(client redis.UniversalClient, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl, now: time.Now}
}

// DialRedis parses url, connects and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Publish writes the record of p and (re)starts its TTL. Calling it again
// before the TTL runs out keeps a connected user visible.
func (m *RedisMirror) Publish(ctx context.Context, p UserPresence) error {
	data, err := json.Marshal(mirrorRecord{
		UserID:   p.UserID,
		Status:   p.Status,
		ConnID:   p.ConnID,
		LastSeen: m.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, mirrorKeyPrefix+p.UserID, data, m.ttl)
	pipe.SAdd(ctx, onlineSetKey, p.UserID)
	pipe.Expire(ctx, onlineSetKey, m.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish presence for %s: %w", p.UserID, err)
	}
	return nil
}

// Remove deletes the record of userID and drops it from the online set.
func (m *RedisMirror) Remove(ctx context.Context, userID string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, mirrorKeyPrefix+userID)
	pipe.SRem(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence for %s: %w", userID, err)
	}
	return nil
}
