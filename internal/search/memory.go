package search

import (
	"sort"
	"strings"
	"sync"
)

// Memory is the fallback Searcher used when Meilisearch is down or not
// configured. It keeps the current dataset's records in memory and does
// plain substring matching.
type Memory struct {
	mu        sync.RWMutex
	contracts map[string]ContractRecord
	triage    map[string]TriageRecord
	patches   map[string]PatchRecord
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{
		contracts: make(map[string]ContractRecord),
		triage:    make(map[string]TriageRecord),
		patches:   make(map[string]PatchRecord),
	}
}

// Healthy always reports true; the fallback has nothing to fail.
func (m *Memory) Healthy() bool { return true }

func (m *Memory) IndexContract(c ContractRecord) error {
	m.mu.Lock()
	m.contracts[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) IndexTriageItem(t TriageRecord) error {
	m.mu.Lock()
	m.triage[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) IndexPatch(p PatchRecord) error {
	m.mu.Lock()
	m.patches[p.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteContract(id string) error {
	m.mu.Lock()
	delete(m.contracts, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteTriageItem(id string) error {
	m.mu.Lock()
	delete(m.triage, id)
	m.mu.Unlock()
	return nil
}

// Reset drops every record, used when a new workbook loads.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.contracts = make(map[string]ContractRecord)
	m.triage = make(map[string]TriageRecord)
	m.patches = make(map[string]PatchRecord)
	m.mu.Unlock()
}

// Search performs case-insensitive substring matching over the indexed
// fields, with the same type and dataset filters as the Meilisearch path.
func (m *Memory) Search(q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))

	m.mu.RLock()
	var results []Result
	if q.FilterType == "" || q.FilterType == ResultContract {
		for _, c := range m.contracts {
			if q.FilterDatasetID != "" && c.DatasetID != q.FilterDatasetID {
				continue
			}
			if needle == "" || containsAny(needle, c.Name, c.FileURL) {
				results = append(results, Result{
					Type: ResultContract, ID: c.ID, Title: c.Name, Snippet: c.FileURL,
					ContractID: c.ID, DatasetID: c.DatasetID,
				})
			}
		}
	}
	if q.FilterType == "" || q.FilterType == ResultTriage {
		for _, t := range m.triage {
			if q.FilterDatasetID != "" && t.DatasetID != q.FilterDatasetID {
				continue
			}
			if needle == "" || containsAny(needle, t.Message, t.Reason, t.FieldName) {
				results = append(results, Result{
					Type: ResultTriage, ID: t.ID, Title: t.Reason, Snippet: t.Message,
					ContractID: t.ContractID, DatasetID: t.DatasetID, Severity: t.Severity,
				})
			}
		}
	}
	if q.FilterType == "" || q.FilterType == ResultPatch {
		for _, p := range m.patches {
			if q.FilterDatasetID != "" && p.DatasetID != q.FilterDatasetID {
				continue
			}
			if needle == "" || containsAny(needle, p.FieldName, p.BeforeValue, p.AfterValue) {
				results = append(results, Result{
					Type: ResultPatch, ID: p.ID, Title: p.FieldName, Snippet: p.AfterValue,
					ContractID: p.ContractID, DatasetID: p.DatasetID,
				})
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Type != results[j].Type {
			return results[i].Type < results[j].Type
		}
		return results[i].ID < results[j].ID
	})

	total := len(results)
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if q.Offset >= len(results) {
		return []Result{}, total, nil
	}
	results = results[q.Offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}

func containsAny(needle string, haystacks ...string) bool {
	for _, h := range haystacks {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}
