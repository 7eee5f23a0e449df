// Package snapshot keeps the last good knowledge table in redis so a
// restarted process can serve labels before its first refresh lands.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gustycube/chainlens/internal/knowledge"
)

const DefaultKey = "chainlens:knowledge:snapshot"

type Redis struct {
	cli *redis.Client
	key string
	ttl time.Duration
}

// NewRedis connects to addr and checks the connection. A zero ttl keeps the
// snapshot until it is overwritten.
func NewRedis(addr, key string, ttl time.Duration) (*Redis, error) {
	if key == "" {
		key = DefaultKey
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return &Redis{cli: cli, key: key, ttl: ttl}, nil
}

func (r *Redis) Save(ctx context.Context, snap knowledge.Snapshot) error {
	b, err := Encode(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.cli.Set(ctx, r.key, b, r.ttl).Err()
}

// Load returns false when no snapshot has been saved.
func (r *Redis) Load(ctx context.Context) (knowledge.Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := r.cli.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return knowledge.Snapshot{}, false, nil
	}
	if err != nil {
		return knowledge.Snapshot{}, false, err
	}
	snap, err := Decode(b)
	if err != nil {
		return knowledge.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.cli.Close()
}

func Encode(snap knowledge.Snapshot) ([]byte, error) {
	if snap.Records == nil {
		snap.Records = knowledge.Table{}
	}
	return json.Marshal(snap)
}

func Decode(b []byte) (knowledge.Snapshot, error) {
	var snap knowledge.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return knowledge.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Records == nil {
		return knowledge.Snapshot{}, errors.New("decode snapshot: missing records")
	}
	return snap, nil
}
