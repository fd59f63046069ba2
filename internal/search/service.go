package search

import (
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// in-memory index.
type Service struct {
	meili  *Meili
	memory *Memory
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; memory must not be.
func NewService(meili *Meili, memory *Memory) *Service {
	return &Service{meili: meili, memory: memory}
}

// Search tries Meilisearch if healthy, otherwise uses the in-memory index.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to memory: %v", err)
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		log.Printf("search: memory index error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexContract indexes a contract in both backends. Meilisearch writes
// are fire-and-forget.
func (s *Service) IndexContract(c ContractRecord) {
	s.memory.IndexContract(c)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexContract(c); err != nil {
			log.Printf("search: index contract %s: %v", c.ID, err)
		}
	}()
}

// IndexTriageItem indexes a triage item in both backends.
func (s *Service) IndexTriageItem(t TriageRecord) {
	s.memory.IndexTriageItem(t)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTriageItem(t); err != nil {
			log.Printf("search: index triage item %s: %v", t.ID, err)
		}
	}()
}

// IndexPatch indexes a patch request in both backends.
func (s *Service) IndexPatch(p PatchRecord) {
	s.memory.IndexPatch(p)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPatch(p); err != nil {
			log.Printf("search: index patch %s: %v", p.ID, err)
		}
	}()
}

// DeleteTriageItem removes a triage item from both backends.
func (s *Service) DeleteTriageItem(id string) {
	s.memory.DeleteTriageItem(id)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTriageItem(id); err != nil {
			log.Printf("search: delete triage item %s: %v", id, err)
		}
	}()
}

// Reindex replaces the indexed model after a workbook load.
func (s *Service) Reindex(contracts []ContractRecord, items []TriageRecord) {
	s.memory.Reset()
	for _, c := range contracts {
		s.memory.IndexContract(c)
	}
	for _, t := range items {
		s.memory.IndexTriageItem(t)
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexContracts(contracts); err != nil {
			log.Printf("search: reindex contracts: %v", err)
		}
		if err := s.meili.IndexTriageItems(items); err != nil {
			log.Printf("search: reindex triage items: %v", err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
