package batch

import (
	"context"
	"errors"
	"testing"

	"reclaim/api/internal/constraint"
	"reclaim/api/internal/store"
)

func strPtr(s string) *string { return &s }
func intPtr(n int64) *int64   { return &n }

func newProcessor() *Processor {
	return NewProcessor(constraint.NewValidator(constraint.NewRegistry("2020-12-31")), 4)
}

func baseRecords() map[string]store.Record {
	paymentOnly := store.Record{
		ID: 42, Date: "2024-01-01", Status: "QUARANTINED",
		NextPaymentDate: strPtr("2019-05-01"),
		Balance:         intPtr(1200),
		ArrearsBalance:  intPtr(300),
		CostCenterCode:  strPtr("CC042"),
	}
	balanceOnly := store.Record{
		ID: 7, Date: "2024-02-01", Status: "QUARANTINED",
		NextPaymentDate: strPtr("2024-03-01"),
		Balance:         intPtr(900),
		ArrearsBalance:  intPtr(10),
		CostCenterCode:  strPtr("CC007"),
	}
	return map[string]store.Record{
		paymentOnly.CompositeKey(): paymentOnly,
		balanceOnly.CompositeKey(): balanceOnly,
	}
}

func TestProcessCorrectedRecordBecomesValid(t *testing.T) {
	updates := []Update{{
		CompositeKey:    "42|2024-01-01|QUARANTINED",
		NextPaymentDate: strPtr("2024-06-01"),
	}}
	result, err := newProcessor().Process(context.Background(), baseRecords(), updates)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Valid != 1 || result.Invalid != 0 || result.NotFound != 0 {
		t.Fatalf("expected 1 valid, got %+v", result)
	}
	outcome := result.Outcomes[0]
	if !outcome.Validation.IsValid || len(outcome.Validation.Violations) != 0 {
		t.Errorf("expected empty violation set, got %+v", outcome.Validation)
	}
	if outcome.Candidate.NextPaymentDate == nil || *outcome.Candidate.NextPaymentDate != "2024-06-01" {
		t.Errorf("update not applied to candidate: %+v", outcome.Candidate)
	}
	// Unchanged fields retain base values.
	if outcome.Candidate.CostCenterCode == nil || *outcome.Candidate.CostCenterCode != "CC042" {
		t.Errorf("base field lost: %+v", outcome.Candidate)
	}
}

func TestProcessNegativeBalanceStaysInvalid(t *testing.T) {
	updates := []Update{{
		CompositeKey: "7|2024-02-01|QUARANTINED",
		Balance:      intPtr(-5),
	}}
	result, err := newProcessor().Process(context.Background(), baseRecords(), updates)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	outcome := result.Outcomes[0]
	if outcome.Validation.IsValid {
		t.Fatal("expected invalid")
	}
	found := false
	for _, kind := range outcome.Validation.Violations {
		if kind == constraint.KindBalance {
			found = true
		}
	}
	if !found {
		t.Errorf("expected BALANCE violation, got %v", outcome.Validation.Violations)
	}
	if result.ByKind[constraint.KindBalance] != 1 {
		t.Errorf("expected ByKind[BALANCE]=1, got %v", result.ByKind)
	}
}

func TestProcessMissingBaseRecordIsPerRecordFailure(t *testing.T) {
	updates := []Update{
		{CompositeKey: "42|2024-01-01|QUARANTINED", NextPaymentDate: strPtr("2024-06-01")},
		{CompositeKey: "999|2024-01-01|QUARANTINED", Balance: intPtr(10)},
	}
	result, err := newProcessor().Process(context.Background(), baseRecords(), updates)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Valid != 1 || result.NotFound != 1 {
		t.Fatalf("expected 1 valid + 1 not found, got %+v", result)
	}
	if !result.Outcomes[1].NotFound {
		t.Error("expected second outcome flagged not found")
	}
}

func TestProcessDuplicateKeyAbortsBeforeValidation(t *testing.T) {
	updates := []Update{
		{CompositeKey: "42|2024-01-01|QUARANTINED", Balance: intPtr(1)},
		{CompositeKey: "42|2024-01-01|QUARANTINED", Balance: intPtr(2)},
	}
	_, err := newProcessor().Process(context.Background(), baseRecords(), updates)
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
	if dup.Key != "42|2024-01-01|QUARANTINED" {
		t.Errorf("unexpected duplicate key %q", dup.Key)
	}
}

func TestProcessPreservesInputOrder(t *testing.T) {
	updates := []Update{
		{CompositeKey: "7|2024-02-01|QUARANTINED"},
		{CompositeKey: "42|2024-01-01|QUARANTINED"},
	}
	result, err := newProcessor().Process(context.Background(), baseRecords(), updates)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	for i, update := range updates {
		if result.Outcomes[i].CompositeKey != update.CompositeKey {
			t.Errorf("outcome %d: expected %s, got %s", i, update.CompositeKey, result.Outcomes[i].CompositeKey)
		}
	}
}

func TestProcessCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newProcessor().Process(ctx, baseRecords(), []Update{{CompositeKey: "42|2024-01-01|QUARANTINED"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProcessDoesNotMutateBaseRecords(t *testing.T) {
	base := baseRecords()
	before := *base["42|2024-01-01|QUARANTINED"].NextPaymentDate
	_, err := newProcessor().Process(context.Background(), base, []Update{{
		CompositeKey:    "42|2024-01-01|QUARANTINED",
		NextPaymentDate: strPtr("2030-01-01"),
	}})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if after := *base["42|2024-01-01|QUARANTINED"].NextPaymentDate; after != before {
		t.Errorf("base record mutated: %s -> %s", before, after)
	}
}

func TestChangesReportsOnlyProposedFields(t *testing.T) {
	base := baseRecords()["7|2024-02-01|QUARANTINED"]
	oldValues, newValues := Changes(base, Update{
		CompositeKey: base.CompositeKey(),
		Balance:      intPtr(500),
	})
	if len(oldValues) != 1 || len(newValues) != 1 {
		t.Fatalf("expected single-field change, got old=%v new=%v", oldValues, newValues)
	}
	if oldValues["balance"] != int64(900) || newValues["balance"] != int64(500) {
		t.Errorf("unexpected change maps old=%v new=%v", oldValues, newValues)
	}
}
