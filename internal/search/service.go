package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres scan.
type Service struct {
	meili *Meili
	pg    *PgSearch
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pg *PgSearch) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pg.Search(q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRecord indexes a quarantined record (fire-and-forget to Meilisearch).
func (s *Service) IndexRecord(doc RecordDoc) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRecord(doc); err != nil {
			log.Printf("search: index record %s: %v", doc.CompositeKey, err)
		}
	}()
}

// DeleteRecord drops a merged record from the index (fire-and-forget).
func (s *Service) DeleteRecord(compositeKey string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecord(DocID(compositeKey)); err != nil {
			log.Printf("search: delete record %s: %v", compositeKey, err)
		}
	}()
}

// ReindexAll pushes the current quarantine backlog into Meilisearch. Called
// during bootstrap so a fresh index catches up with the store.
func (s *Service) ReindexAll(docs []RecordDoc) {
	if s.meili == nil || !s.meili.Healthy() || len(docs) == 0 {
		return
	}
	if err := s.meili.IndexRecords(docs); err != nil {
		log.Printf("search: reindex quarantine records: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
