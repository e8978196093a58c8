package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reclaim/api/internal/batch"
	"reclaim/api/internal/constraint"
	"reclaim/api/internal/pipeline"
	"reclaim/api/internal/store"
	"reclaim/api/internal/tasks"
)

type fakeStore struct {
	mu sync.Mutex

	getQuarantineRecordFn    func(context.Context, int64, string, string) (store.Record, error)
	listQuarantineRecordsFn  func(context.Context, string, int, int) ([]store.Record, error)
	countQuarantineRecordsFn func(context.Context, string) (int, error)
	violationCountsFn        func(context.Context) (map[string]int, error)
	updateQuarantineRecordFn func(context.Context, store.Record) (bool, error)
	insertCleanRecordFn      func(context.Context, store.Record) error
	deleteQuarantineRecordFn func(context.Context, int64, string, string) (bool, error)
	insertAuditEntryFn       func(context.Context, store.AuditEntry) error
	listAuditEntriesFn       func(context.Context, store.AuditFilter) ([]store.AuditEntry, error)

	cleanInserts []store.Record
	deletes      []string
	updates      []store.Record
	audits       []store.AuditEntry
}

func (f *fakeStore) GetQuarantineRecord(ctx context.Context, id int64, date, status string) (store.Record, error) {
	if f.getQuarantineRecordFn != nil {
		return f.getQuarantineRecordFn(ctx, id, date, status)
	}
	return store.Record{}, sql.ErrNoRows
}

func (f *fakeStore) ListQuarantineRecords(ctx context.Context, violation string, limit, offset int) ([]store.Record, error) {
	if f.listQuarantineRecordsFn != nil {
		return f.listQuarantineRecordsFn(ctx, violation, limit, offset)
	}
	return nil, nil
}

func (f *fakeStore) CountQuarantineRecords(ctx context.Context, violation string) (int, error) {
	if f.countQuarantineRecordsFn != nil {
		return f.countQuarantineRecordsFn(ctx, violation)
	}
	return 0, nil
}

func (f *fakeStore) ViolationCounts(ctx context.Context) (map[string]int, error) {
	if f.violationCountsFn != nil {
		return f.violationCountsFn(ctx)
	}
	return map[string]int{}, nil
}

func (f *fakeStore) UpdateQuarantineRecord(ctx context.Context, item store.Record) (bool, error) {
	f.mu.Lock()
	f.updates = append(f.updates, item)
	f.mu.Unlock()
	if f.updateQuarantineRecordFn != nil {
		return f.updateQuarantineRecordFn(ctx, item)
	}
	return true, nil
}

func (f *fakeStore) InsertCleanRecord(ctx context.Context, item store.Record) error {
	f.mu.Lock()
	f.cleanInserts = append(f.cleanInserts, item)
	f.mu.Unlock()
	if f.insertCleanRecordFn != nil {
		return f.insertCleanRecordFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) DeleteQuarantineRecord(ctx context.Context, id int64, date, status string) (bool, error) {
	record := store.Record{ID: id, Date: date, Status: status}
	f.mu.Lock()
	f.deletes = append(f.deletes, record.CompositeKey())
	f.mu.Unlock()
	if f.deleteQuarantineRecordFn != nil {
		return f.deleteQuarantineRecordFn(ctx, id, date, status)
	}
	return true, nil
}

func (f *fakeStore) CleanRecordExists(context.Context, int64, string, string) (bool, error) {
	return false, nil
}

func (f *fakeStore) InsertAuditEntry(ctx context.Context, entry store.AuditEntry) error {
	f.mu.Lock()
	f.audits = append(f.audits, entry)
	f.mu.Unlock()
	if f.insertAuditEntryFn != nil {
		return f.insertAuditEntryFn(ctx, entry)
	}
	return nil
}

func (f *fakeStore) ListAuditEntries(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error) {
	if f.listAuditEntriesFn != nil {
		return f.listAuditEntriesFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, 0, len(f.audits))
	for _, entry := range f.audits {
		actions = append(actions, entry.Action)
	}
	return actions
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	runFn func(context.Context, string) (pipeline.RunHandle, error)
}

func (r *fakeRunner) Run(ctx context.Context, name string) (pipeline.RunHandle, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.runFn != nil {
		return r.runFn(ctx, name)
	}
	return pipeline.RunHandle{RunID: "run_1", StartedAt: time.Now()}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func newTestService(fs *fakeStore, runner pipeline.Runner) *Service {
	registry := constraint.NewRegistry("2020-12-31")
	validator := constraint.NewValidator(registry)
	return &Service{
		db:             fs,
		registry:       registry,
		validator:      validator,
		batches:        batch.NewProcessor(validator, 4),
		locks:          newKeyLock(),
		trigger:        pipeline.NewTrigger(runner, pipeline.NewMemoryDeduper(), "loan_txs_reprocessing"),
		tasks:          tasks.NewMemoryStore(),
		asyncThreshold: 50,
		maxBatch:       100,
	}
}

func strptr(s string) *string { return &s }
func intptr(v int64) *int64   { return &v }

func quarantinedRecord(id int64) store.Record {
	return store.Record{
		ID:         id,
		Date:       "2024-01-01",
		Status:     "QUARANTINED",
		Violations: []string{"PAYMENT_DATE", "BALANCE", "COST_CENTER"},
	}
}

func recordLookup(records map[string]store.Record) func(context.Context, int64, string, string) (store.Record, error) {
	return func(_ context.Context, id int64, date, status string) (store.Record, error) {
		record := store.Record{ID: id, Date: date, Status: status}
		if found, ok := records[record.CompositeKey()]; ok {
			return found, nil
		}
		return store.Record{}, sql.ErrNoRows
	}
}

func validUpdate(key string) batch.Update {
	return batch.Update{
		CompositeKey:    key,
		NextPaymentDate: strptr("2024-06-01"),
		Balance:         intptr(1000),
		ArrearsBalance:  intptr(50),
		CostCenterCode:  strptr("CC-9"),
	}
}

func TestMergePartialSuccess(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
		"2|2024-01-01|QUARANTINED": quarantinedRecord(2),
		"3|2024-01-01|QUARANTINED": quarantinedRecord(3),
	}
	fs := &fakeStore{getQuarantineRecordFn: recordLookup(records)}
	runner := &fakeRunner{}
	svc := newTestService(fs, runner)

	bad := validUpdate("3|2024-01-01|QUARANTINED")
	bad.Balance = intptr(-5)

	result, err := svc.Merge(context.Background(), "ops@example.com", []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
		validUpdate("2|2024-01-01|QUARANTINED"),
		bad,
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if result.Merged != 2 || result.Requarantined != 1 {
		t.Fatalf("expected 2 merged and 1 requarantined, got %d/%d", result.Merged, result.Requarantined)
	}
	if !result.PipelineTriggered {
		t.Fatal("expected pipeline trigger after a successful merge")
	}
	if runner.count() != 1 {
		t.Fatalf("expected exactly one pipeline run, got %d", runner.count())
	}

	if len(fs.cleanInserts) != 2 {
		t.Fatalf("expected 2 clean inserts, got %d", len(fs.cleanInserts))
	}
	for _, inserted := range fs.cleanInserts {
		if inserted.RescuedData != nil || inserted.Violations != nil {
			t.Fatal("clean rows must not carry quarantine-only fields")
		}
	}
	if len(fs.deletes) != 2 {
		t.Fatalf("expected 2 quarantine deletes, got %d", len(fs.deletes))
	}

	if result.Outcomes[2].Status != MergeStatusRequarantined {
		t.Fatalf("expected record 3 requarantined, got %s", result.Outcomes[2].Status)
	}
	if len(result.Outcomes[2].Violations) != 1 || result.Outcomes[2].Violations[0] != "BALANCE" {
		t.Fatalf("unexpected violations %v", result.Outcomes[2].Violations)
	}

	actions := fs.auditActions()
	counts := map[string]int{}
	for _, action := range actions {
		counts[action]++
	}
	if counts[store.AuditActionEdit] != 3 || counts[store.AuditActionMerge] != 2 {
		t.Fatalf("unexpected EDIT/MERGE audit counts: %v", counts)
	}
	if counts[store.AuditActionValidationFailed] != 1 || counts[store.AuditActionRequarantine] != 1 {
		t.Fatalf("unexpected failure audit counts: %v", counts)
	}

	// Failed remediation keeps the edits on the quarantine row with the
	// refreshed violation set.
	if len(fs.updates) != 1 {
		t.Fatalf("expected 1 quarantine update, got %d", len(fs.updates))
	}
	if got := fs.updates[0].Violations; len(got) != 1 || got[0] != "BALANCE" {
		t.Fatalf("unexpected stored violations %v", got)
	}
}

func TestMergeDuplicateKeyAbortsBeforeAnyWrite(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
	}
	fs := &fakeStore{getQuarantineRecordFn: recordLookup(records)}
	svc := newTestService(fs, &fakeRunner{})

	_, err := svc.Merge(context.Background(), "ops@example.com", []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
		validUpdate("1|2024-01-01|QUARANTINED"),
	})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "DUPLICATE_KEY" {
		t.Fatalf("expected DUPLICATE_KEY, got %v", err)
	}
	if len(fs.cleanInserts)+len(fs.deletes)+len(fs.updates)+len(fs.audits) != 0 {
		t.Fatal("duplicate batch must abort without touching the store")
	}
}

func TestMergeRecordNotFoundIsPerRecord(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
	}
	fs := &fakeStore{getQuarantineRecordFn: recordLookup(records)}
	runner := &fakeRunner{}
	svc := newTestService(fs, runner)

	result, err := svc.Merge(context.Background(), "ops@example.com", []batch.Update{
		validUpdate("99|2024-01-01|QUARANTINED"),
		validUpdate("1|2024-01-01|QUARANTINED"),
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if result.NotFound != 1 || result.Merged != 1 {
		t.Fatalf("expected 1 not found and 1 merged, got %d/%d", result.NotFound, result.Merged)
	}
	if result.Outcomes[0].Status != MergeStatusNotFound {
		t.Fatalf("expected first outcome not_found, got %s", result.Outcomes[0].Status)
	}
}

func TestMergeInvalidKeyRejected(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeRunner{})

	_, err := svc.Merge(context.Background(), "ops@example.com", []batch.Update{
		{CompositeKey: "not-a-key"},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_KEY" {
		t.Fatalf("expected INVALID_KEY, got %v", err)
	}
}

func TestMergeCleanInsertFailureIsolatesRecord(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
		"2|2024-01-01|QUARANTINED": quarantinedRecord(2),
	}
	fs := &fakeStore{
		getQuarantineRecordFn: recordLookup(records),
		insertCleanRecordFn: func(_ context.Context, item store.Record) error {
			if item.ID == 1 {
				return errors.New("disk full")
			}
			return nil
		},
	}
	runner := &fakeRunner{}
	svc := newTestService(fs, runner)

	result, err := svc.Merge(context.Background(), "ops@example.com", []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
		validUpdate("2|2024-01-01|QUARANTINED"),
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if result.Failed != 1 || result.Merged != 1 {
		t.Fatalf("expected 1 failed and 1 merged, got %d/%d", result.Failed, result.Merged)
	}
	// The failed record must keep its quarantine row.
	for _, key := range fs.deletes {
		if key == "1|2024-01-01|QUARANTINED" {
			t.Fatal("failed record must not be deleted from quarantine")
		}
	}
	// One success is enough to fire the pipeline.
	if runner.count() != 1 {
		t.Fatalf("expected one pipeline run, got %d", runner.count())
	}
}

func TestMergeDeleteRetriesThenWarns(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
	}
	deleteCalls := 0
	fs := &fakeStore{
		getQuarantineRecordFn: recordLookup(records),
		deleteQuarantineRecordFn: func(context.Context, int64, string, string) (bool, error) {
			deleteCalls++
			return false, errors.New("lock timeout")
		},
	}
	svc := newTestService(fs, &fakeRunner{})

	result, err := svc.Merge(context.Background(), "ops@example.com", []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if deleteCalls != deleteRetryAttempts {
		t.Fatalf("expected %d delete attempts, got %d", deleteRetryAttempts, deleteCalls)
	}
	// The clean copy exists, so the record still counts as merged.
	if result.Merged != 1 {
		t.Fatalf("expected 1 merged, got %d", result.Merged)
	}
	found := false
	for _, warning := range result.Warnings {
		if strings.Contains(warning, "not removed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a leftover-copy warning, got %v", result.Warnings)
	}
}

func TestMergeAuditFailureSurfacesAsWarning(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
	}
	fs := &fakeStore{
		getQuarantineRecordFn: recordLookup(records),
		insertAuditEntryFn: func(context.Context, store.AuditEntry) error {
			return errors.New("audit table unavailable")
		},
	}
	svc := newTestService(fs, &fakeRunner{})

	result, err := svc.Merge(context.Background(), "ops@example.com", []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if result.Merged != 1 {
		t.Fatalf("audit failure must not block the merge, got %d merged", result.Merged)
	}
	if len(result.Warnings) < 2 {
		t.Fatalf("expected warnings for both audit writes, got %v", result.Warnings)
	}
}

func TestMergeNoTriggerWithoutMerges(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
	}
	fs := &fakeStore{getQuarantineRecordFn: recordLookup(records)}
	runner := &fakeRunner{}
	svc := newTestService(fs, runner)

	bad := validUpdate("1|2024-01-01|QUARANTINED")
	bad.CostCenterCode = strptr("")

	result, err := svc.Merge(context.Background(), "ops@example.com", []batch.Update{bad})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if result.PipelineTriggered || runner.count() != 0 {
		t.Fatal("pipeline must not fire when nothing merged")
	}
}

func TestMergeCanceledContextSkipsRemaining(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
		"2|2024-01-01|QUARANTINED": quarantinedRecord(2),
	}
	ctx, cancel := context.WithCancel(context.Background())
	fs := &fakeStore{
		getQuarantineRecordFn: recordLookup(records),
		insertCleanRecordFn: func(context.Context, store.Record) error {
			// Cancel mid-batch: the in-flight record finishes, the next one
			// never starts.
			cancel()
			return nil
		},
	}
	svc := newTestService(fs, &fakeRunner{})

	result, err := svc.Merge(ctx, "ops@example.com", []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
		validUpdate("2|2024-01-01|QUARANTINED"),
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if result.Merged != 1 || result.Skipped != 1 {
		t.Fatalf("expected 1 merged and 1 skipped, got %d/%d", result.Merged, result.Skipped)
	}
	if len(fs.deletes) != 1 {
		t.Fatalf("the in-flight record must complete its delete, got %d", len(fs.deletes))
	}
}

func TestValidateHasNoSideEffects(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
	}
	fs := &fakeStore{getQuarantineRecordFn: recordLookup(records)}
	runner := &fakeRunner{}
	svc := newTestService(fs, runner)

	bad := validUpdate("1|2024-01-01|QUARANTINED")
	bad.Balance = intptr(0)

	report, err := svc.Validate(context.Background(), []batch.Update{
		bad,
		validUpdate("99|2024-01-01|QUARANTINED"),
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if report.Invalid != 1 || report.NotFound != 1 {
		t.Fatalf("expected 1 invalid and 1 not found, got %d/%d", report.Invalid, report.NotFound)
	}
	if report.Violations["BALANCE"] != 1 {
		t.Fatalf("unexpected violation counts %v", report.Violations)
	}
	if len(fs.cleanInserts)+len(fs.deletes)+len(fs.updates)+len(fs.audits) != 0 {
		t.Fatal("validation must not write anything")
	}
	if runner.count() != 0 {
		t.Fatal("validation must not trigger the pipeline")
	}
}

func TestMergeAsyncCompletesTask(t *testing.T) {
	records := map[string]store.Record{
		"1|2024-01-01|QUARANTINED": quarantinedRecord(1),
	}
	fs := &fakeStore{getQuarantineRecordFn: recordLookup(records)}
	svc := newTestService(fs, &fakeRunner{})

	task, err := svc.MergeAsync(context.Background(), "ops@example.com", []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
	})
	if err != nil {
		t.Fatalf("MergeAsync() error = %v", err)
	}
	if task.Status != tasks.StatusPending {
		t.Fatalf("expected pending task, got %s", task.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, err := svc.MergeTask(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("MergeTask() error = %v", err)
		}
		if current.Terminal() {
			if current.Status != tasks.StatusSucceeded {
				t.Fatalf("expected succeeded, got %s (%s)", current.Status, current.Error)
			}
			if len(current.Result) == 0 {
				t.Fatal("expected a result payload on the finished task")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("merge task did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMergeAsyncDuplicateKeyRejectedUpFront(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeRunner{})

	_, err := svc.MergeAsync(context.Background(), "ops@example.com", []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
		validUpdate("1|2024-01-01|QUARANTINED"),
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "DUPLICATE_KEY" {
		t.Fatalf("expected DUPLICATE_KEY, got %v", err)
	}
}

func TestMergeBatchTooLarge(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeRunner{})
	svc.maxBatch = 2

	updates := []batch.Update{
		validUpdate("1|2024-01-01|QUARANTINED"),
		validUpdate("2|2024-01-01|QUARANTINED"),
		validUpdate("3|2024-01-01|QUARANTINED"),
	}
	_, err := svc.Merge(context.Background(), "ops@example.com", updates)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "BATCH_TOO_LARGE" {
		t.Fatalf("expected BATCH_TOO_LARGE, got %v", err)
	}
}

func TestListQuarantineRecomputesViolations(t *testing.T) {
	stale := quarantinedRecord(1)
	// Stored snapshot says three violations but the row has since been fixed
	// except for the cost center.
	stale.NextPaymentDate = strptr("2024-06-01")
	stale.Balance = intptr(100)
	stale.ArrearsBalance = intptr(10)

	fs := &fakeStore{
		listQuarantineRecordsFn: func(context.Context, string, int, int) ([]store.Record, error) {
			return []store.Record{stale}, nil
		},
		countQuarantineRecordsFn: func(context.Context, string) (int, error) { return 1, nil },
	}
	svc := newTestService(fs, &fakeRunner{})

	page, err := svc.ListQuarantine(context.Background(), "", 100, 0)
	if err != nil {
		t.Fatalf("ListQuarantine() error = %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(page.Records))
	}
	if got := page.Records[0].Violations; len(got) != 1 || got[0] != "COST_CENTER" {
		t.Fatalf("expected recomputed [COST_CENTER], got %v", got)
	}
}

func TestListQuarantineUnknownViolation(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeRunner{})

	_, err := svc.ListQuarantine(context.Background(), "BOGUS", 100, 0)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "UNKNOWN_VIOLATION" {
		t.Fatalf("expected UNKNOWN_VIOLATION, got %v", err)
	}
}

func TestViolationCountsIncludeZeroKinds(t *testing.T) {
	fs := &fakeStore{
		violationCountsFn: func(context.Context) (map[string]int, error) {
			return map[string]int{"BALANCE": 3}, nil
		},
		countQuarantineRecordsFn: func(context.Context, string) (int, error) { return 3, nil },
	}
	svc := newTestService(fs, &fakeRunner{})

	payload, err := svc.ViolationCounts(context.Background())
	if err != nil {
		t.Fatalf("ViolationCounts() error = %v", err)
	}
	counts := payload["counts"].(map[string]int)
	if counts["BALANCE"] != 3 || counts["PAYMENT_DATE"] != 0 || counts["COST_CENTER"] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}
