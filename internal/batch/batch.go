// Package batch classifies a set of proposed record updates against the
// constraint set without touching any store.
package batch

import (
	"context"
	"fmt"
	"sync"

	"reclaim/api/internal/constraint"
	"reclaim/api/internal/store"
)

// Update is a sparse set of proposed changes to the editable fields of one
// quarantined record. Nil fields keep their base values.
type Update struct {
	CompositeKey    string  `json:"compositeKey"`
	NextPaymentDate *string `json:"nextPaymentDate,omitempty"`
	Balance         *int64  `json:"balance,omitempty"`
	ArrearsBalance  *int64  `json:"arrearsBalance,omitempty"`
	CostCenterCode  *string `json:"costCenterCode,omitempty"`
}

// DuplicateKeyError aborts a batch that proposes two updates for the same
// composite key. It is raised before any validation runs.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate composite key %q in batch", e.Key)
}

// Outcome is the per-update classification. Exactly one of NotFound or
// Validation is meaningful; Candidate is the base record with the update
// applied and is only set when the base record existed.
type Outcome struct {
	CompositeKey string
	NotFound     bool
	Validation   constraint.Result
	Candidate    store.Record
}

// Result preserves input order and carries aggregate counts.
type Result struct {
	Outcomes []Outcome
	Valid    int
	Invalid  int
	NotFound int
	ByKind   map[constraint.Kind]int
}

// Processor applies updates to base records and validates the candidates.
type Processor struct {
	validator   *constraint.Validator
	parallelism int
}

func NewProcessor(validator *constraint.Validator, parallelism int) *Processor {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Processor{validator: validator, parallelism: parallelism}
}

// Process classifies every update in input order. Base records are looked up
// by composite key; a missing base yields a per-record not-found outcome
// rather than failing the batch. Duplicate keys abort the whole batch before
// any validation. Process has no side effects.
func (p *Processor) Process(ctx context.Context, base map[string]store.Record, updates []Update) (Result, error) {
	seen := make(map[string]struct{}, len(updates))
	for _, update := range updates {
		if _, dup := seen[update.CompositeKey]; dup {
			return Result{}, &DuplicateKeyError{Key: update.CompositeKey}
		}
		seen[update.CompositeKey] = struct{}{}
	}

	outcomes := make([]Outcome, len(updates))

	// Classification is independent per record, so validate concurrently.
	// Output order stays the input order because each worker writes its own
	// slot.
	sem := make(chan struct{}, p.parallelism)
	var wg sync.WaitGroup
	for i, update := range updates {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, update Update) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = p.classify(base, update)
		}(i, update)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	result := Result{Outcomes: outcomes, ByKind: make(map[constraint.Kind]int)}
	for _, outcome := range outcomes {
		switch {
		case outcome.NotFound:
			result.NotFound++
		case outcome.Validation.IsValid:
			result.Valid++
		default:
			result.Invalid++
			for _, kind := range outcome.Validation.Violations {
				result.ByKind[kind]++
			}
		}
	}
	return result, nil
}

func (p *Processor) classify(base map[string]store.Record, update Update) Outcome {
	record, ok := base[update.CompositeKey]
	if !ok {
		return Outcome{CompositeKey: update.CompositeKey, NotFound: true}
	}
	candidate := Apply(record, update)
	return Outcome{
		CompositeKey: update.CompositeKey,
		Validation:   p.validator.Validate(candidate),
		Candidate:    candidate,
	}
}

// Apply overlays the sparse update onto the base record. Unset fields retain
// their base values; identifying and context fields are never touched.
func Apply(base store.Record, update Update) store.Record {
	candidate := base
	if update.NextPaymentDate != nil {
		candidate.NextPaymentDate = update.NextPaymentDate
	}
	if update.Balance != nil {
		candidate.Balance = update.Balance
	}
	if update.ArrearsBalance != nil {
		candidate.ArrearsBalance = update.ArrearsBalance
	}
	if update.CostCenterCode != nil {
		candidate.CostCenterCode = update.CostCenterCode
	}
	return candidate
}

// Changes reports the update's non-nil fields as audit old/new value maps
// against the base record.
func Changes(base store.Record, update Update) (oldValues, newValues map[string]any) {
	oldValues = make(map[string]any)
	newValues = make(map[string]any)
	if update.NextPaymentDate != nil {
		oldValues["next_payment_date"] = deref(base.NextPaymentDate)
		newValues["next_payment_date"] = *update.NextPaymentDate
	}
	if update.Balance != nil {
		oldValues["balance"] = deref(base.Balance)
		newValues["balance"] = *update.Balance
	}
	if update.ArrearsBalance != nil {
		oldValues["arrears_balance"] = deref(base.ArrearsBalance)
		newValues["arrears_balance"] = *update.ArrearsBalance
	}
	if update.CostCenterCode != nil {
		oldValues["cost_center_code"] = deref(base.CostCenterCode)
		newValues["cost_center_code"] = *update.CostCenterCode
	}
	return oldValues, newValues
}

func deref[T any](ptr *T) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}
