// Package redis backs the execution state store with a redis server so
// multiple engine processes and external observers share one view.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/state"
)

var _ state.Store = (*Store)(nil)

// Config holds the redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store implements state.Store on a redis hash plus two sets per execution.
// All keys carry the configured TTL, refreshed on every write.
type Store struct {
	client *goredis.Client
	ttl    time.Duration
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &Store{client: client, ttl: state.DefaultTTL}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func stateKey(id uuid.UUID) string     { return "execution:" + id.String() + ":state" }
func completedKey(id uuid.UUID) string { return "execution:" + id.String() + ":completed" }
func failedKey(id uuid.UUID) string    { return "execution:" + id.String() + ":failed" }

func (s *Store) Init(ctx context.Context, executionID uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = state.DefaultTTL
	}
	s.ttl = ttl
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, stateKey(executionID), "status_flag", state.FlagRunning)
	pipe.Expire(ctx, stateKey(executionID), ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize execution state: %w", err)
	}
	return nil
}

func (s *Store) SetStatusFlag(ctx context.Context, executionID uuid.UUID, flag string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, stateKey(executionID), "status_flag", flag)
	pipe.Expire(ctx, stateKey(executionID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) StatusFlag(ctx context.Context, executionID uuid.UUID) (string, error) {
	flag, err := s.client.HGet(ctx, stateKey(executionID), "status_flag").Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("execution state %s: %w", executionID, core.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return flag, nil
}

func (s *Store) AddCompleted(ctx context.Context, executionID uuid.UUID, nodeKey string) error {
	return s.addMember(ctx, completedKey(executionID), nodeKey)
}

func (s *Store) AddFailed(ctx context.Context, executionID uuid.UUID, nodeKey string) error {
	return s.addMember(ctx, failedKey(executionID), nodeKey)
}

func (s *Store) addMember(ctx context.Context, key, member string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Snapshot(ctx context.Context, executionID uuid.UUID) (*state.Snapshot, error) {
	pipe := s.client.TxPipeline()
	flagCmd := pipe.HGet(ctx, stateKey(executionID), "status_flag")
	completedCmd := pipe.SMembers(ctx, completedKey(executionID))
	failedCmd := pipe.SMembers(ctx, failedKey(executionID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}
	flag, err := flagCmd.Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("execution state %s: %w", executionID, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &state.Snapshot{
		StatusFlag: flag,
		Completed:  completedCmd.Val(),
		Failed:     failedCmd.Val(),
	}, nil
}

func (s *Store) Clear(ctx context.Context, executionID uuid.UUID) error {
	return s.client.Del(ctx,
		stateKey(executionID),
		completedKey(executionID),
		failedKey(executionID),
	).Err()
}
