// Package pipeline notifies the downstream reprocessing job after a merge
// batch, at most once per batch id.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunHandle identifies a started downstream run. The coordinator never polls
// it; triggering is fire-and-forget.
type RunHandle struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
}

// Runner starts the named downstream pipeline.
type Runner interface {
	Run(ctx context.Context, pipeline string) (RunHandle, error)
}

// Deduper records that a batch id has been handled. FirstTrigger returns true
// exactly once per id, even under retry.
type Deduper interface {
	FirstTrigger(ctx context.Context, batchID string) (bool, error)
}

// Trigger fires the downstream pipeline once per batch.
type Trigger struct {
	runner   Runner
	dedup    Deduper
	pipeline string
}

func NewTrigger(runner Runner, dedup Deduper, pipeline string) *Trigger {
	return &Trigger{runner: runner, dedup: dedup, pipeline: pipeline}
}

// Fire starts the pipeline for a batch. Returns (false, nil) when the batch
// id was already triggered. The dedup mark is kept even if the runner call
// fails: at-most-once delivery wins over retry here.
func (t *Trigger) Fire(ctx context.Context, batchID string) (bool, error) {
	first, err := t.dedup.FirstTrigger(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("trigger dedup for batch %s: %w", batchID, err)
	}
	if !first {
		return false, nil
	}
	if _, err := t.runner.Run(ctx, t.pipeline); err != nil {
		return false, fmt.Errorf("run pipeline %s for batch %s: %w", t.pipeline, batchID, err)
	}
	return true, nil
}

// HTTPRunner starts pipeline runs through the job runner's HTTP API.
type HTTPRunner struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPRunner(baseURL, token string) *HTTPRunner {
	return &HTTPRunner{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPRunner) Run(ctx context.Context, pipeline string) (RunHandle, error) {
	body, err := json.Marshal(map[string]string{"pipeline": pipeline})
	if err != nil {
		return RunHandle{}, fmt.Errorf("marshal run request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return RunHandle{}, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return RunHandle{}, fmt.Errorf("call job runner: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return RunHandle{}, fmt.Errorf("job runner returned status %d", resp.StatusCode)
	}
	var handle RunHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		// The runner is fire-and-forget; a run started without a parseable
		// handle still counts as started.
		return RunHandle{StartedAt: time.Now()}, nil
	}
	if handle.StartedAt.IsZero() {
		handle.StartedAt = time.Now()
	}
	return handle, nil
}

// LogRunner stands in when no runner endpoint is configured. Batches still
// get their at-most-once mark; operators start the reprocessing job by hand.
type LogRunner struct{}

func (LogRunner) Run(_ context.Context, pipeline string) (RunHandle, error) {
	log.Printf("pipeline %s: no runner configured, start the job manually", pipeline)
	return RunHandle{StartedAt: time.Now()}, nil
}

// RedisDeduper marks triggered batch ids in Redis so deduplication survives
// process restarts and covers multiple coordinator replicas.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: "pipeline:fired:", ttl: ttl}
}

func (d *RedisDeduper) FirstTrigger(ctx context.Context, batchID string) (bool, error) {
	set, err := d.client.SetNX(ctx, d.prefix+batchID, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark batch %s: %w", batchID, err)
	}
	return set, nil
}

// MemoryDeduper is the fallback when Redis is not configured. Sufficient for
// a single coordinator process.
type MemoryDeduper struct {
	mu    sync.Mutex
	fired map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{fired: make(map[string]struct{})}
}

func (d *MemoryDeduper) FirstTrigger(_ context.Context, batchID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.fired[batchID]; seen {
		return false, nil
	}
	d.fired[batchID] = struct{}{}
	return true, nil
}
