package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCallNotFound is returned for unknown or expired call ids.
var ErrCallNotFound = errors.New("relay: call not found")

// Call states tracked by the relay.
const (
	CallRinging  = "ringing"
	CallAccepted = "accepted"
	CallEnded    = "ended"
)

// CallRecord is the relay's view of one call.
type CallRecord struct {
	ID             string    `json:"id"`
	CallerID       string    `json:"callerId"`
	CalleeID       string    `json:"calleeId"`
	CallType       string    `json:"callType"`
	ConversationID string    `json:"conversationId,omitempty"`
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	Duration       int       `json:"duration,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Involves reports whether user is one of the two parties.
func (r CallRecord) Involves(user string) bool {
	return r.CallerID == user || r.CalleeID == user
}

// Other returns the party that is not user.
func (r CallRecord) Other(user string) string {
	if r.CallerID == user {
		return r.CalleeID
	}
	return r.CallerID
}

// CallStore keeps call records for a bounded time.
type CallStore interface {
	Put(ctx context.Context, rec CallRecord) error
	Get(ctx context.Context, id string) (CallRecord, error)
	Close() error
}

// MemoryStore is a CallStore for a single relay process.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	calls map[string]memEntry
}

type memEntry struct {
	rec     CallRecord
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, calls: make(map[string]memEntry)}
}

func (s *MemoryStore) Put(_ context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.calls {
		if now.After(e.expires) {
			delete(s.calls, id)
		}
	}
	s.calls[rec.ID] = memEntry{rec: rec, expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.calls[id]
	if !ok || s.now().After(e.expires) {
		return CallRecord{}, ErrCallNotFound
	}
	return e.rec, nil
}

func (s *MemoryStore) Close() error { return nil }

// RedisStore shares call records between relay instances.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: "goopcall:call:"}
}

func (s *RedisStore) Put(ctx context.Context, rec CallRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.prefix+rec.ID, b, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (CallRecord, error) {
	b, err := s.rdb.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return CallRecord{}, ErrCallNotFound
	}
	if err != nil {
		return CallRecord{}, err
	}
	var rec CallRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return CallRecord{}, fmt.Errorf("decode call %s: %w", id, err)
	}
	return rec, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// RedisConfig controls the redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}
