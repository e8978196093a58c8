// Package constraint holds the data-quality constraints that decide whether a
// record belongs in quarantine, and the validator that evaluates them.
package constraint

import (
	"fmt"

	"reclaim/api/internal/store"
)

// Kind names one category of constraint failure.
type Kind string

const (
	KindPaymentDate Kind = "PAYMENT_DATE"
	KindBalance     Kind = "BALANCE"
	KindCostCenter  Kind = "COST_CENTER"
)

// Constraint is a single named predicate over a record. Check returns true
// when the constraint is satisfied. Implementations must be pure and must
// tolerate nil editable fields: absence is a violation, not an error.
type Constraint interface {
	Kind() Kind
	Description() string
	Check(record store.Record) bool
}

// Registry holds the declared constraint set. Evaluation and violation
// reporting follow declaration order, so results are deterministic. New kinds
// are added by registering another Constraint, not by editing callers.
type Registry struct {
	constraints []Constraint
	byKind      map[Kind]Constraint
}

// NewRegistry builds the fixed constraint set in declaration order.
func NewRegistry(paymentDateCutoff string) *Registry {
	r := &Registry{byKind: make(map[Kind]Constraint)}
	r.Register(paymentDateConstraint{cutoff: paymentDateCutoff})
	r.Register(balanceConstraint{})
	r.Register(costCenterConstraint{})
	return r
}

// Register appends a constraint. Registering an already-declared kind
// replaces its predicate but keeps its position.
func (r *Registry) Register(c Constraint) {
	if _, exists := r.byKind[c.Kind()]; exists {
		for i, existing := range r.constraints {
			if existing.Kind() == c.Kind() {
				r.constraints[i] = c
				break
			}
		}
	} else {
		r.constraints = append(r.constraints, c)
	}
	r.byKind[c.Kind()] = c
}

// Kinds returns the registered kinds in declaration order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.constraints))
	for _, c := range r.constraints {
		kinds = append(kinds, c.Kind())
	}
	return kinds
}

// Describe returns the human-readable description for a kind.
func (r *Registry) Describe(kind Kind) (string, bool) {
	c, ok := r.byKind[kind]
	if !ok {
		return "", false
	}
	return c.Description(), true
}

// Evaluate runs a single constraint against a record.
func (r *Registry) Evaluate(kind Kind, record store.Record) (bool, error) {
	c, ok := r.byKind[kind]
	if !ok {
		return false, fmt.Errorf("unknown constraint kind %q", kind)
	}
	return c.Check(record), nil
}

// Result is the outcome of validating one record. IsValid holds exactly when
// Violations is empty.
type Result struct {
	CompositeKey string   `json:"compositeKey"`
	IsValid      bool     `json:"isValid"`
	Violations   []Kind   `json:"violations"`
	Errors       []string `json:"errors"`
}

// Validator evaluates every registered constraint against a record.
type Validator struct {
	registry *Registry
}

func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate is a pure function of the record and the registry. Violations are
// reported in registry declaration order.
func (v *Validator) Validate(record store.Record) Result {
	result := Result{
		CompositeKey: record.CompositeKey(),
		Violations:   []Kind{},
		Errors:       []string{},
	}
	for _, c := range v.registry.constraints {
		if c.Check(record) {
			continue
		}
		result.Violations = append(result.Violations, c.Kind())
		result.Errors = append(result.Errors, c.Description())
	}
	result.IsValid = len(result.Violations) == 0
	return result
}

// ViolationStrings converts a violation set to the store representation.
func ViolationStrings(kinds []Kind) []string {
	out := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, string(kind))
	}
	return out
}

type paymentDateConstraint struct {
	cutoff string
}

func (c paymentDateConstraint) Kind() Kind { return KindPaymentDate }

func (c paymentDateConstraint) Description() string {
	return fmt.Sprintf("Payment date must be after %s", c.cutoff)
}

// ISO dates compare correctly as strings, same as the source pipeline's
// expectation next_payment_date > cutoff.
func (c paymentDateConstraint) Check(record store.Record) bool {
	return record.NextPaymentDate != nil && *record.NextPaymentDate > c.cutoff
}

type balanceConstraint struct{}

func (balanceConstraint) Kind() Kind { return KindBalance }

func (balanceConstraint) Description() string {
	return "Both balance and arrears_balance must be positive"
}

func (balanceConstraint) Check(record store.Record) bool {
	return record.Balance != nil && *record.Balance > 0 &&
		record.ArrearsBalance != nil && *record.ArrearsBalance > 0
}

type costCenterConstraint struct{}

func (costCenterConstraint) Kind() Kind { return KindCostCenter }

func (costCenterConstraint) Description() string {
	return "Cost center code is required"
}

func (costCenterConstraint) Check(record store.Record) bool {
	return record.CostCenterCode != nil && *record.CostCenterCode != ""
}
