package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour), s
}

func TestRedisStoreSaveAndGet(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	task := Task{
		ID:          "task_abc",
		Status:      StatusPending,
		Actor:       "ops@example.com",
		Total:       60,
		SubmittedAt: time.Now().UTC(),
	}
	if err := store.Save(ctx, task); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "task_abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending || got.Actor != "ops@example.com" || got.Total != 60 {
		t.Errorf("unexpected task %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set on save")
	}
}

func TestRedisStoreStatusTransitions(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	task := Task{ID: "task_run", Status: StatusPending}
	_ = store.Save(ctx, task)

	task.Status = StatusRunning
	_ = store.Save(ctx, task)

	task.Status = StatusSucceeded
	task.Result = json.RawMessage(`{"merged":2,"requarantined":1}`)
	if err := store.Save(ctx, task); err != nil {
		t.Fatalf("Save terminal failed: %v", err)
	}

	got, err := store.Get(ctx, "task_run")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Terminal() {
		t.Errorf("expected terminal status, got %s", got.Status)
	}
	if string(got.Result) != `{"merged":2,"requarantined":1}` {
		t.Errorf("unexpected result payload %s", got.Result)
	}
}

func TestRedisStoreUnknownTask(t *testing.T) {
	store, _ := setupRedisStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreTaskExpires(t *testing.T) {
	store, s := setupRedisStore(t)
	ctx := context.Background()

	_ = store.Save(ctx, Task{ID: "task_old", Status: StatusSucceeded})
	s.FastForward(2 * time.Hour)

	if _, err := store.Get(ctx, "task_old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired task to be gone, got %v", err)
	}
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, Task{ID: "t1", Status: StatusFailed, Error: "boom"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Errorf("unexpected task %+v", got)
	}
	if _, err := store.Get(ctx, "t2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
