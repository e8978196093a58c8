package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const recordColumns = `
	id, date, status,
	next_payment_date, balance, arrears_balance, cost_center_code,
	acc_fv_change_before_taxes, accounting_treatment_id, accounting_treatment,
	accrued_interest, base_rate, behavioral_curve_id, count, country_code,
	encumbrance_type, end_date, first_payment_date, guarantee_scheme,
	imit_amount, last_payment_date, minimum_balance_eur, purpose, type`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, quarantine bool) (Record, error) {
	var item Record
	dest := []any{
		&item.ID, &item.Date, &item.Status,
		&item.NextPaymentDate, &item.Balance, &item.ArrearsBalance, &item.CostCenterCode,
		&item.AccFvChangeBeforeTaxes, &item.AccountingTreatmentID, &item.AccountingTreatment,
		&item.AccruedInterest, &item.BaseRate, &item.BehavioralCurveID, &item.Count, &item.CountryCode,
		&item.EncumbranceType, &item.EndDate, &item.FirstPaymentDate, &item.GuaranteeScheme,
		&item.ImitAmount, &item.LastPaymentDate, &item.MinimumBalanceEUR, &item.Purpose, &item.Type,
	}
	var violationsRaw []byte
	if quarantine {
		dest = append(dest, &item.RescuedData, &violationsRaw)
	}
	if err := row.Scan(dest...); err != nil {
		return Record{}, err
	}
	if quarantine && len(violationsRaw) > 0 {
		_ = json.Unmarshal(violationsRaw, &item.Violations)
	}
	return item, nil
}

func (s *PostgresStore) GetQuarantineRecord(ctx context.Context, id int64, date, status string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`, rescued_data, violations
		FROM quarantine_txs
		WHERE id=$1 AND date=$2 AND status=$3
	`, id, date, status)
	item, err := scanRecord(row, true)
	if err != nil {
		return Record{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListQuarantineRecords(ctx context.Context, violation string, limit, offset int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`, rescued_data, violations
		FROM quarantine_txs
		WHERE ($1='' OR violations ? $1)
		ORDER BY date DESC, id ASC
		LIMIT $2 OFFSET $3
	`, violation, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list quarantine records: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		item, err := scanRecord(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan quarantine record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantine records: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountQuarantineRecords(ctx context.Context, violation string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM quarantine_txs WHERE ($1='' OR violations ? $1)
	`, violation).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count quarantine records: %w", err)
	}
	return count, nil
}

// ViolationCounts aggregates the stored violation metadata per kind. A record
// violating two constraints is counted under both.
func (s *PostgresStore) ViolationCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.kind, COUNT(*)::int
		FROM quarantine_txs q, jsonb_array_elements_text(q.violations) AS v(kind)
		GROUP BY v.kind
	`)
	if err != nil {
		return nil, fmt.Errorf("violation counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan violation count: %w", err)
		}
		counts[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violation counts: %w", err)
	}
	return counts, nil
}

// UpdateQuarantineRecord persists the edited constraint fields and the freshly
// computed violation set for a record that failed remediation. Reports whether
// the row still existed.
func (s *PostgresStore) UpdateQuarantineRecord(ctx context.Context, item Record) (bool, error) {
	violations := item.Violations
	if violations == nil {
		violations = []string{}
	}
	encoded, err := json.Marshal(violations)
	if err != nil {
		return false, fmt.Errorf("marshal violations: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE quarantine_txs
		SET next_payment_date=$4, balance=$5, arrears_balance=$6, cost_center_code=$7,
			violations=$8::jsonb, updated_at=NOW()
		WHERE id=$1 AND date=$2 AND status=$3
	`, item.ID, item.Date, item.Status,
		item.NextPaymentDate, item.Balance, item.ArrearsBalance, item.CostCenterCode,
		string(encoded))
	if err != nil {
		return false, fmt.Errorf("update quarantine record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update quarantine record rows: %w", err)
	}
	return affected > 0, nil
}

// InsertCleanRecord writes a record into the clean table. The write is
// idempotent on the composite key so a crashed merge can be replayed without
// duplicating the row. RescuedData and Violations are quarantine-side only and
// are not carried over.
func (s *PostgresStore) InsertCleanRecord(ctx context.Context, item Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clean_txs (`+strings.TrimSpace(recordColumns)+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (id, date, status) DO NOTHING
	`,
		item.ID, item.Date, item.Status,
		item.NextPaymentDate, item.Balance, item.ArrearsBalance, item.CostCenterCode,
		item.AccFvChangeBeforeTaxes, item.AccountingTreatmentID, item.AccountingTreatment,
		item.AccruedInterest, item.BaseRate, item.BehavioralCurveID, item.Count, item.CountryCode,
		item.EncumbranceType, item.EndDate, item.FirstPaymentDate, item.GuaranteeScheme,
		item.ImitAmount, item.LastPaymentDate, item.MinimumBalanceEUR, item.Purpose, item.Type,
	)
	if err != nil {
		return fmt.Errorf("insert clean record: %w", err)
	}
	return nil
}

// DeleteQuarantineRecord removes a record from quarantine after its clean copy
// has been committed. Reports whether a row was deleted.
func (s *PostgresStore) DeleteQuarantineRecord(ctx context.Context, id int64, date, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM quarantine_txs WHERE id=$1 AND date=$2 AND status=$3
	`, id, date, status)
	if err != nil {
		return false, fmt.Errorf("delete quarantine record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete quarantine record rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CleanRecordExists(ctx context.Context, id int64, date, status string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM clean_txs WHERE id=$1 AND date=$2 AND status=$3)
	`, id, date, status).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check clean record: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	oldValues := entry.OldValues
	if oldValues == nil {
		oldValues = map[string]any{}
	}
	newValues := entry.NewValues
	if newValues == nil {
		newValues = map[string]any{}
	}
	violations := entry.Violations
	if violations == nil {
		violations = []string{}
	}
	encodedOld, err := json.Marshal(oldValues)
	if err != nil {
		return fmt.Errorf("marshal audit old values: %w", err)
	}
	encodedNew, err := json.Marshal(newValues)
	if err != nil {
		return fmt.Errorf("marshal audit new values: %w", err)
	}
	encodedViolations, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("marshal audit violations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_trail (record_id, record_date, record_status, actor, action, old_values, new_values, violations, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9)
	`, entry.RecordID, entry.RecordDate, entry.RecordStatus, entry.Actor, entry.Action,
		string(encodedOld), string(encodedNew), string(encodedViolations), entry.BatchID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var recordID int64
	var recordDate, recordStatus string
	if filter.CompositeKey != "" {
		var err error
		recordID, recordDate, recordStatus, err = ParseCompositeKey(filter.CompositeKey)
		if err != nil {
			return nil, err
		}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, record_id, record_date, record_status, actor, action, old_values, new_values, violations, batch_id, created_at
		FROM audit_trail
		WHERE ($1='' OR (record_id=$2 AND record_date=$3 AND record_status=$4))
		  AND ($5::timestamptz IS NULL OR created_at >= $5)
		  AND ($6::timestamptz IS NULL OR created_at < $6)
		ORDER BY created_at DESC, audit_id DESC
		LIMIT $7
	`, filter.CompositeKey, recordID, recordDate, recordStatus,
		nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		var oldRaw, newRaw, violationsRaw []byte
		if err := rows.Scan(
			&item.AuditID,
			&item.RecordID,
			&item.RecordDate,
			&item.RecordStatus,
			&item.Actor,
			&item.Action,
			&oldRaw,
			&newRaw,
			&violationsRaw,
			&item.BatchID,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		_ = json.Unmarshal(oldRaw, &item.OldValues)
		_ = json.Unmarshal(newRaw, &item.NewValues)
		_ = json.Unmarshal(violationsRaw, &item.Violations)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return items, nil
}

func nullTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ErrNotFound reports whether err means the requested row is absent.
func ErrNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
