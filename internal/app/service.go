package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"reclaim/api/internal/batch"
	"reclaim/api/internal/config"
	"reclaim/api/internal/constraint"
	"reclaim/api/internal/pipeline"
	"reclaim/api/internal/search"
	"reclaim/api/internal/store"
	"reclaim/api/internal/tasks"
	"reclaim/api/internal/util"
)

// deleteRetryAttempts bounds the compensating delete after a clean-side
// insert succeeded. The insert is idempotent, so a leftover quarantine copy
// is safe to replay.
const deleteRetryAttempts = 3

const archiveQueryLimit = 10000

type dataStore interface {
	GetQuarantineRecord(ctx context.Context, id int64, date, status string) (store.Record, error)
	ListQuarantineRecords(ctx context.Context, violation string, limit, offset int) ([]store.Record, error)
	CountQuarantineRecords(ctx context.Context, violation string) (int, error)
	ViolationCounts(ctx context.Context) (map[string]int, error)
	UpdateQuarantineRecord(ctx context.Context, item store.Record) (bool, error)
	InsertCleanRecord(ctx context.Context, item store.Record) error
	DeleteQuarantineRecord(ctx context.Context, id int64, date, status string) (bool, error)
	CleanRecordExists(ctx context.Context, id int64, date, status string) (bool, error)
	InsertAuditEntry(ctx context.Context, entry store.AuditEntry) error
	ListAuditEntries(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error)
	Ping(ctx context.Context) error
}

type auditArchiver interface {
	Archive(ctx context.Context, entries []store.AuditEntry, from, to time.Time) (string, error)
}

// Merge outcome statuses, one per record in a batch.
const (
	MergeStatusMerged        = "merged"
	MergeStatusRequarantined = "requarantined"
	MergeStatusNotFound      = "not_found"
	MergeStatusFailed        = "failed"
	MergeStatusSkipped       = "skipped"
)

type MergeOutcome struct {
	CompositeKey string   `json:"compositeKey"`
	Status       string   `json:"status"`
	Violations   []string `json:"violations,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type MergeResult struct {
	BatchID           string         `json:"batchId"`
	Actor             string         `json:"actor"`
	Total             int            `json:"total"`
	Merged            int            `json:"merged"`
	Requarantined     int            `json:"requarantined"`
	NotFound          int            `json:"notFound"`
	Failed            int            `json:"failed"`
	Skipped           int            `json:"skipped"`
	Outcomes          []MergeOutcome `json:"outcomes"`
	Warnings          []string       `json:"warnings,omitempty"`
	PipelineTriggered bool           `json:"pipelineTriggered"`
}

type ValidationOutcome struct {
	CompositeKey string   `json:"compositeKey"`
	Found        bool     `json:"found"`
	IsValid      bool     `json:"isValid"`
	Violations   []string `json:"violations"`
}

type ValidationReport struct {
	Total      int                 `json:"total"`
	Valid      int                 `json:"valid"`
	Invalid    int                 `json:"invalid"`
	NotFound   int                 `json:"notFound"`
	Violations map[string]int      `json:"violationCounts"`
	Outcomes   []ValidationOutcome `json:"outcomes"`
}

type RecordView struct {
	CompositeKey    string  `json:"compositeKey"`
	ID              int64   `json:"id"`
	Date            string  `json:"date"`
	Status          string  `json:"status"`
	NextPaymentDate *string `json:"nextPaymentDate"`
	Balance         *int64  `json:"balance"`
	ArrearsBalance  *int64  `json:"arrearsBalance"`
	CostCenterCode  *string `json:"costCenterCode"`

	AccFvChangeBeforeTaxes *int64  `json:"accFvChangeBeforeTaxes,omitempty"`
	AccountingTreatmentID  *int64  `json:"accountingTreatmentId,omitempty"`
	AccountingTreatment    *string `json:"accountingTreatment,omitempty"`
	AccruedInterest        *int64  `json:"accruedInterest,omitempty"`
	BaseRate               *string `json:"baseRate,omitempty"`
	BehavioralCurveID      *int64  `json:"behavioralCurveId,omitempty"`
	Count                  *int64  `json:"count,omitempty"`
	CountryCode            *string `json:"countryCode,omitempty"`
	EncumbranceType        *string `json:"encumbranceType,omitempty"`
	EndDate                *string `json:"endDate,omitempty"`
	FirstPaymentDate       *string `json:"firstPaymentDate,omitempty"`
	GuaranteeScheme        *string `json:"guaranteeScheme,omitempty"`
	ImitAmount             *int64  `json:"imitAmount,omitempty"`
	LastPaymentDate        *string `json:"lastPaymentDate,omitempty"`
	MinimumBalanceEUR      *int64  `json:"minimumBalanceEur,omitempty"`
	Purpose                *string `json:"purpose,omitempty"`
	Type                   *string `json:"type,omitempty"`

	RescuedData *string  `json:"rescuedData,omitempty"`
	Violations  []string `json:"violations"`
}

type ListPage struct {
	Records         []RecordView   `json:"records"`
	TotalCount      int            `json:"totalCount"`
	FilteredCount   int            `json:"filteredCount"`
	ViolationCounts map[string]int `json:"violationCounts"`
	Limit           int            `json:"limit"`
	Offset          int            `json:"offset"`
}

type KindInfo struct {
	Kind        string `json:"kind"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

type AuditEntryView struct {
	AuditID      int64          `json:"auditId"`
	CompositeKey string         `json:"compositeKey"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	OldValues    map[string]any `json:"oldValues,omitempty"`
	NewValues    map[string]any `json:"newValues,omitempty"`
	Violations   []string       `json:"violations"`
	BatchID      string         `json:"batchId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

type Service struct {
	db             dataStore
	registry       *constraint.Registry
	validator      *constraint.Validator
	batches        *batch.Processor
	locks          *keyLock
	trigger        *pipeline.Trigger
	tasks          tasks.Store
	search         *search.Service
	archiver       auditArchiver
	asyncThreshold int
	maxBatch       int
	retryDelay     time.Duration
	readiness      []readinessCheck
}

func New(cfg config.Config, dataStore *store.PostgresStore, trigger *pipeline.Trigger, taskStore tasks.Store) *Service {
	registry := constraint.NewRegistry(cfg.PaymentDateCutoff)
	return &Service{
		db:             dataStore,
		registry:       registry,
		validator:      constraint.NewValidator(registry),
		batches:        batch.NewProcessor(constraint.NewValidator(registry), cfg.ValidateParallelism),
		locks:          newKeyLock(),
		trigger:        trigger,
		tasks:          taskStore,
		asyncThreshold: cfg.AsyncMergeThreshold,
		maxBatch:       cfg.MaxBatchSize,
		retryDelay:     100 * time.Millisecond,
	}
}

// AttachSearch wires the optional search subsystem. Without it the search
// endpoint reports unavailable.
func (s *Service) AttachSearch(searchService *search.Service) {
	s.search = searchService
}

// AttachArchiver wires the optional audit archive exporter.
func (s *Service) AttachArchiver(archiver auditArchiver) {
	s.archiver = archiver
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// AttachReadinessCheck registers an extra dependency probed by /api/ready,
// such as the Redis instance backing task state.
func (s *Service) AttachReadinessCheck(name string, check func(context.Context) error) {
	s.readiness = append(s.readiness, readinessCheck{name: name, check: check})
}

// Readiness probes the database and every attached dependency.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	out := map[string]error{"database": s.db.Ping(ctx)}
	for _, rc := range s.readiness {
		out[rc.name] = rc.check(ctx)
	}
	return out
}

// ListQuarantine returns a page of quarantined records. Violations are
// recomputed against the current registry rather than read from the stored
// snapshot, so listing reflects constraint changes immediately.
func (s *Service) ListQuarantine(ctx context.Context, violation string, limit, offset int) (ListPage, error) {
	if violation != "" {
		if _, ok := s.registry.Describe(constraint.Kind(violation)); !ok {
			return ListPage{}, domainError(http.StatusUnprocessableEntity, "UNKNOWN_VIOLATION", fmt.Sprintf("unknown violation kind %q", violation), nil)
		}
	}

	records, err := s.db.ListQuarantineRecords(ctx, violation, limit, offset)
	if err != nil {
		return ListPage{}, fmt.Errorf("list quarantine records: %w", err)
	}
	total, err := s.db.CountQuarantineRecords(ctx, "")
	if err != nil {
		return ListPage{}, fmt.Errorf("count quarantine records: %w", err)
	}
	filtered := total
	if violation != "" {
		if filtered, err = s.db.CountQuarantineRecords(ctx, violation); err != nil {
			return ListPage{}, fmt.Errorf("count filtered records: %w", err)
		}
	}
	counts, err := s.db.ViolationCounts(ctx)
	if err != nil {
		return ListPage{}, fmt.Errorf("violation counts: %w", err)
	}

	views := make([]RecordView, 0, len(records))
	for _, record := range records {
		outcome := s.validator.Validate(record)
		views = append(views, recordView(record, constraint.ViolationStrings(outcome.Violations)))
	}
	return ListPage{
		Records:         views,
		TotalCount:      total,
		FilteredCount:   filtered,
		ViolationCounts: counts,
		Limit:           limit,
		Offset:          offset,
	}, nil
}

func (s *Service) ViolationCounts(ctx context.Context) (map[string]any, error) {
	counts, err := s.db.ViolationCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("violation counts: %w", err)
	}
	total, err := s.db.CountQuarantineRecords(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("count quarantine records: %w", err)
	}
	for _, kind := range s.registry.Kinds() {
		if _, ok := counts[string(kind)]; !ok {
			counts[string(kind)] = 0
		}
	}
	return map[string]any{"counts": counts, "totalRecords": total}, nil
}

func (s *Service) ViolationKinds() []KindInfo {
	kinds := s.registry.Kinds()
	infos := make([]KindInfo, 0, len(kinds))
	for _, kind := range kinds {
		description, _ := s.registry.Describe(kind)
		infos = append(infos, KindInfo{
			Kind:        string(kind),
			DisplayName: displayName(string(kind)),
			Description: description,
		})
	}
	return infos
}

// displayName renders PAYMENT_DATE as "Payment Date".
func displayName(kind string) string {
	words := strings.Split(strings.ToLower(kind), "_")
	for i, word := range words {
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

// Validate previews a batch without touching any table. The same duplicate
// and batch-size rules apply as for a merge.
func (s *Service) Validate(ctx context.Context, updates []batch.Update) (ValidationReport, error) {
	if err := s.checkBatch(updates, s.maxBatch); err != nil {
		return ValidationReport{}, err
	}
	base, err := s.loadBase(ctx, updates)
	if err != nil {
		return ValidationReport{}, err
	}
	processed, err := s.batches.Process(ctx, base, updates)
	if err != nil {
		return ValidationReport{}, mapBatchError(err)
	}

	report := ValidationReport{
		Total:      len(updates),
		Valid:      processed.Valid,
		Invalid:    processed.Invalid,
		NotFound:   processed.NotFound,
		Violations: make(map[string]int),
		Outcomes:   make([]ValidationOutcome, 0, len(processed.Outcomes)),
	}
	for kind, count := range processed.ByKind {
		report.Violations[string(kind)] = count
	}
	for _, outcome := range processed.Outcomes {
		report.Outcomes = append(report.Outcomes, ValidationOutcome{
			CompositeKey: outcome.CompositeKey,
			Found:        !outcome.NotFound,
			IsValid:      !outcome.NotFound && outcome.Validation.IsValid,
			Violations:   constraint.ViolationStrings(outcome.Validation.Violations),
		})
	}
	return report, nil
}

// Merge runs the full remediation batch: valid candidates move to the clean
// table, invalid ones stay quarantined with refreshed violations, and the
// reprocessing pipeline fires once per batch when anything merged. Records
// are isolated from one another; a failure on one never aborts the rest.
func (s *Service) Merge(ctx context.Context, actor string, updates []batch.Update) (MergeResult, error) {
	if err := s.checkBatch(updates, s.maxBatch); err != nil {
		return MergeResult{}, err
	}
	base, err := s.loadBase(ctx, updates)
	if err != nil {
		return MergeResult{}, err
	}
	processed, err := s.batches.Process(ctx, base, updates)
	if err != nil {
		return MergeResult{}, mapBatchError(err)
	}

	result := MergeResult{
		BatchID:  util.NewID("batch"),
		Actor:    actor,
		Total:    len(updates),
		Outcomes: make([]MergeOutcome, 0, len(updates)),
	}

	canceled := false
	for i, outcome := range processed.Outcomes {
		// A record transition that has begun always completes, but a canceled
		// request starts no further transitions.
		if canceled || ctx.Err() != nil {
			canceled = true
			result.Skipped++
			result.Outcomes = append(result.Outcomes, MergeOutcome{
				CompositeKey: outcome.CompositeKey,
				Status:       MergeStatusSkipped,
				Error:        "request canceled before this record started",
			})
			continue
		}

		switch {
		case outcome.NotFound:
			result.NotFound++
			result.Outcomes = append(result.Outcomes, MergeOutcome{
				CompositeKey: outcome.CompositeKey,
				Status:       MergeStatusNotFound,
				Error:        "record not found in quarantine",
			})
		case outcome.Validation.IsValid:
			warnings, err := s.mergeRecord(ctx, result.BatchID, actor, base[outcome.CompositeKey], updates[i], outcome.Candidate)
			result.Warnings = append(result.Warnings, warnings...)
			if err != nil {
				result.Failed++
				result.Outcomes = append(result.Outcomes, MergeOutcome{
					CompositeKey: outcome.CompositeKey,
					Status:       MergeStatusFailed,
					Error:        err.Error(),
				})
				continue
			}
			result.Merged++
			result.Outcomes = append(result.Outcomes, MergeOutcome{
				CompositeKey: outcome.CompositeKey,
				Status:       MergeStatusMerged,
			})
		default:
			violations := constraint.ViolationStrings(outcome.Validation.Violations)
			warnings := s.requarantineRecord(ctx, result.BatchID, actor, base[outcome.CompositeKey], updates[i], outcome.Candidate, violations)
			result.Warnings = append(result.Warnings, warnings...)
			result.Requarantined++
			result.Outcomes = append(result.Outcomes, MergeOutcome{
				CompositeKey: outcome.CompositeKey,
				Status:       MergeStatusRequarantined,
				Violations:   violations,
			})
		}
	}

	if canceled {
		result.Warnings = append(result.Warnings, "request canceled; remaining records were not started")
	}

	if result.Merged > 0 {
		fired, err := s.trigger.Fire(context.WithoutCancel(ctx), result.BatchID)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("pipeline trigger for batch %s: %v", result.BatchID, err))
		}
		result.PipelineTriggered = fired && err == nil
	}

	return result, nil
}

// MergeAsync validates the cheap batch invariants synchronously, then runs
// the merge in the background and reports progress through the task store.
func (s *Service) MergeAsync(ctx context.Context, actor string, updates []batch.Update) (tasks.Task, error) {
	if err := s.checkBatch(updates, s.maxBatch); err != nil {
		return tasks.Task{}, err
	}
	seen := make(map[string]struct{}, len(updates))
	for _, update := range updates {
		if _, _, _, err := store.ParseCompositeKey(update.CompositeKey); err != nil {
			return tasks.Task{}, domainError(http.StatusUnprocessableEntity, "INVALID_KEY", err.Error(), nil)
		}
		if _, dup := seen[update.CompositeKey]; dup {
			return tasks.Task{}, domainError(http.StatusConflict, "DUPLICATE_KEY", fmt.Sprintf("duplicate composite key %q in batch", update.CompositeKey), map[string]any{"compositeKey": update.CompositeKey})
		}
		seen[update.CompositeKey] = struct{}{}
	}

	now := time.Now().UTC()
	task := tasks.Task{
		ID:          util.NewID("task"),
		Status:      tasks.StatusPending,
		Actor:       actor,
		Total:       len(updates),
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		return tasks.Task{}, fmt.Errorf("save merge task: %w", err)
	}

	go s.runMergeTask(context.WithoutCancel(ctx), task, actor, updates)
	return task, nil
}

func (s *Service) runMergeTask(ctx context.Context, task tasks.Task, actor string, updates []batch.Update) {
	task.Status = tasks.StatusRunning
	task.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Save(ctx, task); err != nil {
		log.Printf("merge task %s: mark running: %v", task.ID, err)
	}

	result, err := s.Merge(ctx, actor, updates)
	task.UpdatedAt = time.Now().UTC()
	if err != nil {
		task.Status = tasks.StatusFailed
		task.Error = err.Error()
	} else {
		payload, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			task.Status = tasks.StatusFailed
			task.Error = marshalErr.Error()
		} else {
			task.Status = tasks.StatusSucceeded
			task.Result = payload
		}
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		log.Printf("merge task %s: save result: %v", task.ID, err)
	}
}

func (s *Service) MergeTask(ctx context.Context, id string) (tasks.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return tasks.Task{}, domainError(http.StatusNotFound, "TASK_NOT_FOUND", fmt.Sprintf("unknown merge task %q", id), nil)
		}
		return tasks.Task{}, err
	}
	return task, nil
}

func (s *Service) AuditTrail(ctx context.Context, filter store.AuditFilter) ([]AuditEntryView, error) {
	entries, err := s.db.ListAuditEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	views := make([]AuditEntryView, 0, len(entries))
	for _, entry := range entries {
		violations := entry.Violations
		if violations == nil {
			violations = []string{}
		}
		views = append(views, AuditEntryView{
			AuditID:      entry.AuditID,
			CompositeKey: entry.CompositeKey(),
			Actor:        entry.Actor,
			Action:       entry.Action,
			OldValues:    entry.OldValues,
			NewValues:    entry.NewValues,
			Violations:   violations,
			BatchID:      entry.BatchID,
			CreatedAt:    entry.CreatedAt,
		})
	}
	return views, nil
}

// ArchiveAudit exports the audit entries in [from, to) to the object store
// and returns the object name and entry count.
func (s *Service) ArchiveAudit(ctx context.Context, from, to time.Time) (string, int, error) {
	if s.archiver == nil {
		return "", 0, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "audit archive storage is not configured", nil)
	}
	entries, err := s.db.ListAuditEntries(ctx, store.AuditFilter{From: from, To: to, Limit: archiveQueryLimit})
	if err != nil {
		return "", 0, fmt.Errorf("list audit entries for archive: %w", err)
	}
	object, err := s.archiver.Archive(ctx, entries, from, to)
	if err != nil {
		return "", 0, err
	}
	return object, len(entries), nil
}

func (s *Service) SearchRecords(query search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "record search is not configured", nil)
	}
	return s.search.Search(query), nil
}

func (s *Service) AsyncThreshold() int {
	return s.asyncThreshold
}

// mergeRecord moves one valid candidate into the clean table. The write goes
// first; the quarantine delete follows with a bounded retry so a crash or a
// flaky delete leaves at worst a duplicate that the idempotent insert
// tolerates on replay.
func (s *Service) mergeRecord(ctx context.Context, batchID, actor string, baseRecord store.Record, update batch.Update, candidate store.Record) ([]string, error) {
	key := candidate.CompositeKey()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	// The transition runs to completion even if the request is canceled
	// mid-record.
	ctx = context.WithoutCancel(ctx)

	var warnings []string

	oldValues, newValues := batch.Changes(baseRecord, update)
	if len(newValues) > 0 {
		entry := store.AuditEntry{
			RecordID:     candidate.ID,
			RecordDate:   candidate.Date,
			RecordStatus: candidate.Status,
			Actor:        actor,
			Action:       store.AuditActionEdit,
			OldValues:    oldValues,
			NewValues:    newValues,
			BatchID:      batchID,
		}
		if err := s.db.InsertAuditEntry(ctx, entry); err != nil {
			warnings = append(warnings, fmt.Sprintf("audit %s for %s: %v", store.AuditActionEdit, key, err))
		}
	}

	clean := candidate
	clean.RescuedData = nil
	clean.Violations = nil
	if err := s.db.InsertCleanRecord(ctx, clean); err != nil {
		return warnings, fmt.Errorf("insert clean record %s: %w", key, err)
	}

	var deleteErr error
	for attempt := 0; attempt < deleteRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.retryDelay)
		}
		if _, deleteErr = s.db.DeleteQuarantineRecord(ctx, candidate.ID, candidate.Date, candidate.Status); deleteErr == nil {
			break
		}
	}
	if deleteErr != nil {
		warnings = append(warnings, fmt.Sprintf("quarantine copy of %s not removed after %d attempts: %v", key, deleteRetryAttempts, deleteErr))
	}

	mergeEntry := store.AuditEntry{
		RecordID:     candidate.ID,
		RecordDate:   candidate.Date,
		RecordStatus: candidate.Status,
		Actor:        actor,
		Action:       store.AuditActionMerge,
		BatchID:      batchID,
	}
	if err := s.db.InsertAuditEntry(ctx, mergeEntry); err != nil {
		warnings = append(warnings, fmt.Sprintf("audit %s for %s: %v", store.AuditActionMerge, key, err))
	}

	if s.search != nil {
		s.search.DeleteRecord(key)
	}
	return warnings, nil
}

// requarantineRecord persists a failed remediation attempt: the edits stay
// on the quarantine row together with the refreshed violation set.
func (s *Service) requarantineRecord(ctx context.Context, batchID, actor string, baseRecord store.Record, update batch.Update, candidate store.Record, violations []string) []string {
	key := candidate.CompositeKey()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	ctx = context.WithoutCancel(ctx)

	var warnings []string

	updated := candidate
	updated.Violations = violations
	found, err := s.db.UpdateQuarantineRecord(ctx, updated)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("refresh violations for %s: %v", key, err))
	} else if !found {
		warnings = append(warnings, fmt.Sprintf("quarantine record %s vanished during re-quarantine", key))
	}

	oldValues, newValues := batch.Changes(baseRecord, update)
	failedEntry := store.AuditEntry{
		RecordID:     candidate.ID,
		RecordDate:   candidate.Date,
		RecordStatus: candidate.Status,
		Actor:        actor,
		Action:       store.AuditActionValidationFailed,
		OldValues:    oldValues,
		NewValues:    newValues,
		Violations:   violations,
		BatchID:      batchID,
	}
	if err := s.db.InsertAuditEntry(ctx, failedEntry); err != nil {
		warnings = append(warnings, fmt.Sprintf("audit %s for %s: %v", store.AuditActionValidationFailed, key, err))
	}

	requarantineEntry := store.AuditEntry{
		RecordID:     candidate.ID,
		RecordDate:   candidate.Date,
		RecordStatus: candidate.Status,
		Actor:        actor,
		Action:       store.AuditActionRequarantine,
		Violations:   violations,
		BatchID:      batchID,
	}
	if err := s.db.InsertAuditEntry(ctx, requarantineEntry); err != nil {
		warnings = append(warnings, fmt.Sprintf("audit %s for %s: %v", store.AuditActionRequarantine, key, err))
	}

	if s.search != nil {
		s.search.IndexRecord(search.DocFromRecord(updated))
	}
	return warnings
}

func (s *Service) checkBatch(updates []batch.Update, limit int) error {
	if len(updates) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one update is required", nil)
	}
	if len(updates) > limit {
		return domainError(http.StatusUnprocessableEntity, "BATCH_TOO_LARGE", fmt.Sprintf("batch exceeds %d updates", limit), map[string]any{"limit": limit, "got": len(updates)})
	}
	return nil
}

// loadBase resolves every update key against the quarantine table. Missing
// records are simply absent from the map; the processor classifies them
// per record. Lookups have no side effects.
func (s *Service) loadBase(ctx context.Context, updates []batch.Update) (map[string]store.Record, error) {
	base := make(map[string]store.Record, len(updates))
	for _, update := range updates {
		if _, ok := base[update.CompositeKey]; ok {
			continue
		}
		id, date, status, err := store.ParseCompositeKey(update.CompositeKey)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_KEY", err.Error(), nil)
		}
		record, err := s.db.GetQuarantineRecord(ctx, id, date, status)
		if err != nil {
			if store.ErrNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load record %s: %w", update.CompositeKey, err)
		}
		base[update.CompositeKey] = record
	}
	return base, nil
}

func mapBatchError(err error) error {
	var dup *batch.DuplicateKeyError
	if errors.As(err, &dup) {
		return domainError(http.StatusConflict, "DUPLICATE_KEY", dup.Error(), map[string]any{"compositeKey": dup.Key})
	}
	return err
}

func recordView(record store.Record, violations []string) RecordView {
	if violations == nil {
		violations = []string{}
	}
	return RecordView{
		CompositeKey:    record.CompositeKey(),
		ID:              record.ID,
		Date:            record.Date,
		Status:          record.Status,
		NextPaymentDate: record.NextPaymentDate,
		Balance:         record.Balance,
		ArrearsBalance:  record.ArrearsBalance,
		CostCenterCode:  record.CostCenterCode,

		AccFvChangeBeforeTaxes: record.AccFvChangeBeforeTaxes,
		AccountingTreatmentID:  record.AccountingTreatmentID,
		AccountingTreatment:    record.AccountingTreatment,
		AccruedInterest:        record.AccruedInterest,
		BaseRate:               record.BaseRate,
		BehavioralCurveID:      record.BehavioralCurveID,
		Count:                  record.Count,
		CountryCode:            record.CountryCode,
		EncumbranceType:        record.EncumbranceType,
		EndDate:                record.EndDate,
		FirstPaymentDate:       record.FirstPaymentDate,
		GuaranteeScheme:        record.GuaranteeScheme,
		ImitAmount:             record.ImitAmount,
		LastPaymentDate:        record.LastPaymentDate,
		MinimumBalanceEUR:      record.MinimumBalanceEUR,
		Purpose:                record.Purpose,
		Type:                   record.Type,

		RescuedData: record.RescuedData,
		Violations:  violations,
	}
}
