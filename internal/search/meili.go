package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxContracts = "kiwidesk_contracts"
	idxTriage    = "kiwidesk_triage_items"
	idxPatches   = "kiwidesk_patches"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The caller
// should proceed without search if the initial connection fails.
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
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxContracts,
			primaryKey: "id",
			filterable: []string{"datasetId", "firstSheet"},
			searchable: []string{"name", "fileUrl"},
		},
		{
			uid:        idxTriage,
			primaryKey: "id",
			filterable: []string{"datasetId", "severity", "status", "contractId"},
			searchable: []string{"message", "reason", "fieldName"},
		},
		{
			uid:        idxPatches,
			primaryKey: "id",
			filterable: []string{"datasetId", "status", "contractId"},
			searchable: []string{"fieldName", "beforeValue", "afterValue"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
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
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
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

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxContracts, ResultContract},
		{idxTriage, ResultTriage},
		{idxPatches, ResultPatch},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if q.FilterDatasetID != "" {
			sr.Filter = []string{fmt.Sprintf("datasetId = %q", q.FilterDatasetID)}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxContracts:
		return ResultContract
	case idxTriage:
		return ResultTriage
	case idxPatches:
		return ResultPatch
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ContractID = decodeString(hit, "contractId")
	r.DatasetID = decodeString(hit, "datasetId")
	r.Severity = decodeString(hit, "severity")

	switch rtyp {
	case ResultContract:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "fileUrl"), decodeString(hit, "fileUrl"))
		r.ContractID = r.ID // contract's own ID
	case ResultTriage:
		r.Title = firstNonBlank(decodeFormattedString(hit, "reason"), decodeString(hit, "reason"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "message"), decodeString(hit, "message"))
	case ResultPatch:
		r.Title = firstNonBlank(decodeFormattedString(hit, "fieldName"), decodeString(hit, "fieldName"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "afterValue"), decodeString(hit, "afterValue"))
	}
	return r
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

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexContract adds or updates a contract in the search index.
func (m *Meili) IndexContract(c ContractRecord) error {
	_, err := m.client.Index(idxContracts).AddDocuments([]ContractRecord{c}, nil)
	return err
}

// IndexTriageItem adds or updates a triage item in the search index.
func (m *Meili) IndexTriageItem(t TriageRecord) error {
	_, err := m.client.Index(idxTriage).AddDocuments([]TriageRecord{t}, nil)
	return err
}

// IndexPatch adds or updates a patch in the search index.
func (m *Meili) IndexPatch(p PatchRecord) error {
	_, err := m.client.Index(idxPatches).AddDocuments([]PatchRecord{p}, nil)
	return err
}

// DeleteContract removes a contract from the search index.
func (m *Meili) DeleteContract(id string) error {
	_, err := m.client.Index(idxContracts).DeleteDocument(id, nil)
	return err
}

// DeleteTriageItem removes a triage item from the search index.
func (m *Meili) DeleteTriageItem(id string) error {
	_, err := m.client.Index(idxTriage).DeleteDocument(id, nil)
	return err
}

// IndexContracts bulk-indexes contracts.
func (m *Meili) IndexContracts(contracts []ContractRecord) error {
	if len(contracts) == 0 {
		return nil
	}
	_, err := m.client.Index(idxContracts).AddDocuments(contracts, nil)
	return err
}

// IndexTriageItems bulk-indexes triage items.
func (m *Meili) IndexTriageItems(items []TriageRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTriage).AddDocuments(items, nil)
	return err
}
