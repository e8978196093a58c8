// Package search indexes quarantined records for free-text lookup across the
// descriptive fields operators filter on when triaging a backlog.
package search

import (
	"strings"

	"reclaim/api/internal/store"
)

// RecordDoc is the data we index for a quarantined record.
type RecordDoc struct {
	// DocID is the composite key with separators the index accepts.
	DocID          string   `json:"docId"`
	CompositeKey   string   `json:"compositeKey"`
	Date           string   `json:"date"`
	Status         string   `json:"status"`
	CostCenterCode string   `json:"costCenterCode"`
	CountryCode    string   `json:"countryCode"`
	Purpose        string   `json:"purpose"`
	Type           string   `json:"type"`
	Violations     []string `json:"violations"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	CompositeKey   string `json:"compositeKey"`
	Date           string `json:"date"`
	Status         string `json:"status"`
	CostCenterCode string `json:"costCenterCode"`
	CountryCode    string `json:"countryCode"`
	Purpose        string `json:"purpose"`
	Type           string `json:"type"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterViolation string // empty = all kinds
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a free-text search over quarantined records.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// docIDReplacer maps composite keys onto the identifier alphabet the search
// index allows.
var docIDReplacer = strings.NewReplacer(store.CompositeKeySeparator, "_")

// DocFromRecord builds the indexable view of a quarantined record.
func DocFromRecord(record store.Record) RecordDoc {
	key := record.CompositeKey()
	violations := record.Violations
	if violations == nil {
		violations = []string{}
	}
	return RecordDoc{
		DocID:          docIDReplacer.Replace(key),
		CompositeKey:   key,
		Date:           record.Date,
		Status:         record.Status,
		CostCenterCode: strValue(record.CostCenterCode),
		CountryCode:    strValue(record.CountryCode),
		Purpose:        strValue(record.Purpose),
		Type:           strValue(record.Type),
		Violations:     violations,
	}
}

// DocID converts a composite key to its index identifier.
func DocID(compositeKey string) string {
	return docIDReplacer.Replace(compositeKey)
}

func strValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
