// Package tasks provides storage backends for asynchronous merge tasks.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task statuses. A task moves pending -> running -> succeeded|failed and
// never leaves a terminal status.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a task id is unknown or has expired.
var ErrNotFound = errors.New("task not found")

// Task tracks one asynchronous merge submission. Result holds the serialized
// MergeResult once the task is terminal; Error carries the failure message
// for failed tasks.
type Task struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Actor       string          `json:"actor"`
	Total       int             `json:"total"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// Store persists merge tasks for status polling.
type Store interface {
	Save(ctx context.Context, task Task) error
	Get(ctx context.Context, id string) (Task, error)
}

// RedisStore keeps tasks in Redis with a TTL so finished tasks age out.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed task store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: "mergetask:", ttl: ttl}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Save(ctx context.Context, task Task) error {
	task.UpdatedAt = time.Now().UTC()
	jsonData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.Set(ctx, s.key(task.ID), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Task, error) {
	jsonData, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("lookup task %s: %w", id, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(jsonData), &task); err != nil {
		return Task{}, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return task, nil
}

// MemoryStore is the fallback when Redis is not configured. Tasks live for
// the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) Save(_ context.Context, task Task) error {
	task.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}
