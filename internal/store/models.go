package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CompositeKeySeparator joins the stable identifying fields of a record.
const CompositeKeySeparator = "|"

// Record is a loan transaction row. The same shape is stored in both the
// quarantine and clean tables; RescuedData and Violations exist only on the
// quarantine side.
type Record struct {
	// Identifying fields, immutable across edits.
	ID     int64
	Date   string
	Status string

	// Editable constraint fields. Nil until corrected.
	NextPaymentDate *string
	Balance         *int64
	ArrearsBalance  *int64
	CostCenterCode  *string

	// Read-only context fields carried through from the source feed.
	AccFvChangeBeforeTaxes *int64
	AccountingTreatmentID  *int64
	AccountingTreatment    *string
	AccruedInterest        *int64
	BaseRate               *string
	BehavioralCurveID      *int64
	Count                  *int64
	CountryCode            *string
	EncumbranceType        *string
	EndDate                *string
	FirstPaymentDate       *string
	GuaranteeScheme        *string
	ImitAmount             *int64
	LastPaymentDate        *string
	MinimumBalanceEUR      *int64
	Purpose                *string
	Type                   *string

	// Quarantine-only provenance payload, dropped when the record is merged
	// into the clean table.
	RescuedData *string

	// Violation kinds recorded at quarantine time, refreshed on every failed
	// remediation attempt.
	Violations []string
}

// CompositeKey returns the stable natural identifier "id|date|status".
func (r Record) CompositeKey() string {
	return strings.Join([]string{strconv.FormatInt(r.ID, 10), r.Date, r.Status}, CompositeKeySeparator)
}

// ParseCompositeKey splits "id|date|status" back into its parts.
func ParseCompositeKey(key string) (id int64, date, status string, err error) {
	parts := strings.SplitN(key, CompositeKeySeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return 0, "", "", fmt.Errorf("malformed composite key %q", key)
	}
	id, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("malformed composite key %q: %w", key, err)
	}
	return id, parts[1], parts[2], nil
}

// Audit action kinds. Entries are append-only; one is written per record
// state transition.
const (
	AuditActionEdit             = "EDIT"
	AuditActionMerge            = "MERGE"
	AuditActionValidationFailed = "VALIDATION_FAILED"
	AuditActionRequarantine     = "RE_QUARANTINE"
)

type AuditEntry struct {
	AuditID      int64
	RecordID     int64
	RecordDate   string
	RecordStatus string
	Actor        string
	Action       string
	OldValues    map[string]any
	NewValues    map[string]any
	Violations   []string
	BatchID      string
	CreatedAt    time.Time
}

// CompositeKey returns the key of the record the entry describes.
func (e AuditEntry) CompositeKey() string {
	return strings.Join([]string{strconv.FormatInt(e.RecordID, 10), e.RecordDate, e.RecordStatus}, CompositeKeySeparator)
}

// AuditFilter narrows an audit trail query. Zero values mean "no filter".
type AuditFilter struct {
	CompositeKey string
	From         time.Time
	To           time.Time
	Limit        int
}
