package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "switchforge:pc:"
	transitionLogKey  = "switchforge:transitions"

	// transitionLogCap bounds the snapshot-debug list so an always-on debug
	// recorder cannot grow without limit.
	transitionLogCap = 10000
)

// RedisStore implements Port and TransitionLog using Redis. Snapshots are
// JSON values keyed by machine id; the transition log is a capped list.
// Suitable as a fast rehydration cache or for deployments that accept
// Redis-level durability.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &Error{Op: "connect", Retryable: true, Err: err}
	}

	return &RedisStore{client: client}, nil
}

// Initialize is a no-op for Redis; there is no schema to create.
func (s *RedisStore) Initialize(ctx context.Context) error { return nil }

func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return &Error{Op: "save", Retryable: false, Err: err}
	}
	if err := s.client.Set(ctx, snapshotKeyPrefix+snap.ID, payload, 0).Err(); err != nil {
		return &Error{Op: "save", Retryable: true, Err: err}
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	val, err := s.client.Get(ctx, snapshotKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil // absent, consistent with the Port contract
	}
	if err != nil {
		return nil, &Error{Op: "load", Retryable: true, Err: err}
	}

	var snap Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, &Error{Op: "load", Retryable: false, Err: err}
	}
	return &snap, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() {
	s.client.Close()
}

// AppendTransition pushes a transition record onto the capped debug log.
func (s *RedisStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return &Error{Op: "append_transition", Retryable: false, Err: err}
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, transitionLogKey, payload)
	pipe.LTrim(ctx, transitionLogKey, 0, transitionLogCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return &Error{Op: "append_transition", Retryable: true, Err: err}
	}
	return nil
}

// RecentTransitions returns up to limit records, newest first, optionally
// filtered to one machine.
func (s *RedisStore) RecentTransitions(ctx context.Context, machineID string, limit int) ([]*TransitionRecord, error) {
	// Over-fetch when filtering so a busy fleet does not starve one id.
	fetch := int64(limit)
	if machineID != "" {
		fetch = transitionLogCap
	}
	vals, err := s.client.LRange(ctx, transitionLogKey, 0, fetch-1).Result()
	if err != nil {
		return nil, &Error{Op: "recent_transitions", Retryable: true, Err: err}
	}

	var out []*TransitionRecord
	for _, v := range vals {
		if len(out) >= limit {
			break
		}
		var rec TransitionRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		if machineID != "" && rec.MachineID != machineID {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
