package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxQuarantine = "reclaim_quarantine"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the quarantine index.
// The caller should proceed without search acceleration if the instance never
// becomes healthy; the PG fallback keeps the endpoint functional.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxQuarantine,
		PrimaryKey: "docId",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxQuarantine, err)
	}

	index := m.client.Index(idxQuarantine)
	filterable := []interface{}{"violations", "status", "countryCode"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxQuarantine, err)
	}
	searchable := []string{"compositeKey", "costCenterCode", "countryCode", "purpose", "type"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxQuarantine, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the quarantine index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	request := &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
	}
	if q.FilterViolation != "" {
		request.Filter = []string{fmt.Sprintf("violations = %q", q.FilterViolation)}
	}

	resp, err := m.client.Index(idxQuarantine).Search(q.Text, request)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// IndexRecord pushes one record document into the index.
func (m *Meili) IndexRecord(doc RecordDoc) error {
	if _, err := m.client.Index(idxQuarantine).AddDocuments([]RecordDoc{doc}, nil); err != nil {
		return fmt.Errorf("index record %s: %w", doc.CompositeKey, err)
	}
	return nil
}

// IndexRecords pushes a batch of record documents.
func (m *Meili) IndexRecords(docs []RecordDoc) error {
	if len(docs) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxQuarantine).AddDocuments(docs, nil); err != nil {
		return fmt.Errorf("index records: %w", err)
	}
	return nil
}

// DeleteRecord removes a merged record from the index.
func (m *Meili) DeleteRecord(docID string) error {
	if _, err := m.client.Index(idxQuarantine).DeleteDocument(docID, nil); err != nil {
		return fmt.Errorf("delete record %s: %w", docID, err)
	}
	return nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		CompositeKey:   decodeString(hit, "compositeKey"),
		Date:           decodeString(hit, "date"),
		Status:         decodeString(hit, "status"),
		CostCenterCode: decodeString(hit, "costCenterCode"),
		CountryCode:    decodeString(hit, "countryCode"),
		Purpose:        decodeString(hit, "purpose"),
		Type:           decodeString(hit, "type"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
