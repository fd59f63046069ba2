// Package scan walks every contract PDF through the text service and
// classifies the result, feeding blockers into the triage state as they
// arrive.
package scan

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/pdftext"
	"kiwidesk/api/internal/preflight"
)

const (
	// MaxInFlight bounds concurrent text fetches.
	MaxInFlight = 3
	// FetchDeadline is the per-document fetch budget; expiry counts as an
	// error and is not retried.
	FetchDeadline = 30 * time.Second

	bannerHoldFlagged = 8 * time.Second
	bannerHoldClean   = 4 * time.Second
)

// TextFetcher retrieves per-page text for a document URL.
type TextFetcher interface {
	FetchText(ctx context.Context, url string) ([]pdftext.Page, error)
}

// ItemSink receives classified items. Upsert returns how many were actually
// added; re-emissions of an open item are dropped by the sink.
type ItemSink interface {
	UpsertPreflight(items ...preflight.Item) int
}

// EventSink receives scan milestone events.
type EventSink interface {
	Emit(eventType string, detail map[string]any)
}

// Target is one unique (contract, document URL) pair.
type Target struct {
	ContractID string
	FileURL    string
}

// Progress is the banner payload, republished on every completion.
type Progress struct {
	Scanned int  `json:"scanned"`
	Total   int  `json:"total"`
	Clean   int  `json:"clean"`
	Flagged int  `json:"flagged"`
	Errors  int  `json:"errors"`
	Done    bool `json:"done"`
}

// BannerHold is how long the banner stays visible after completion.
func (p Progress) BannerHold() time.Duration {
	if p.Flagged > 0 {
		return bannerHoldFlagged
	}
	return bannerHoldClean
}

// Scanner runs batch scans. A new workbook load calls Invalidate, which
// bumps the scan token; in-flight results carrying a stale token are
// discarded without side effects.
type Scanner struct {
	fetcher    TextFetcher
	events     EventSink
	onProgress func(Progress)

	// Concurrency bounds in-flight fetches; zero or negative means
	// MaxInFlight. Set before the first Run.
	Concurrency int

	token atomic.Uint64

	mu       sync.Mutex
	progress Progress
}

// New builds a scanner. onProgress may be nil.
func New(fetcher TextFetcher, events EventSink, onProgress func(Progress)) *Scanner {
	return &Scanner{fetcher: fetcher, events: events, onProgress: onProgress}
}

// Invalidate cancels the current scan logically: results observed under an
// older token are dropped.
func (s *Scanner) Invalidate() {
	s.token.Add(1)
}

// Progress returns the latest banner payload.
func (s *Scanner) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Targets extracts the unique (contract, file URL) pairs in deterministic
// contract order.
func Targets(ix *contract.Index) []Target {
	seen := make(map[string]struct{})
	var out []Target
	for _, e := range ix.ListContracts() {
		if e.FileURL == "" {
			continue
		}
		key := e.ID + "|" + e.FileURL
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Target{ContractID: e.ID, FileURL: e.FileURL})
	}
	return out
}

// Run scans every target with a bounded number of fetches in flight and
// blocks until all complete or ctx is cancelled. Per-target failures only
// increment the error counter; the contract stays unclassified.
func (s *Scanner) Run(ctx context.Context, ix *contract.Index, sink ItemSink, datasetID string) Progress {
	token := s.token.Load()
	targets := Targets(ix)

	s.mu.Lock()
	s.progress = Progress{Total: len(targets)}
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit("pdf_scan_started", map[string]any{"total": len(targets), "dataset_id": datasetID})
	}

	limit := int64(s.Concurrency)
	if limit <= 0 {
		limit = MaxInFlight
	}
	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	for _, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer sem.Release(1)
			s.scanOne(ctx, t, ix, sink, datasetID, token)
		}(target)
	}
	wg.Wait()

	s.mu.Lock()
	if s.token.Load() == token {
		s.progress.Done = true
	}
	final := s.progress
	s.mu.Unlock()

	if s.events != nil && s.token.Load() == token {
		s.events.Emit("pdf_scan_completed", map[string]any{
			"scanned": final.Scanned, "clean": final.Clean,
			"flagged": final.Flagged, "errors": final.Errors,
			"dataset_id": datasetID,
		})
	}
	return final
}

func (s *Scanner) scanOne(ctx context.Context, t Target, ix *contract.Index, sink ItemSink, datasetID string, token uint64) {
	fetchCtx, cancel := context.WithTimeout(ctx, FetchDeadline)
	defer cancel()

	pages, err := s.fetcher.FetchText(fetchCtx, t.FileURL)

	if s.token.Load() != token {
		// Workbook changed while this fetch was in flight; the result
		// belongs to a dead scan.
		return
	}

	if err != nil {
		log.Printf("scan: fetch %s: %v", t.FileURL, err)
		s.bump(func(p *Progress) {
			p.Scanned++
			p.Errors++
		})
		return
	}

	report := pdftext.Classify(pages)
	m := report.Metrics
	replacementDriven := m.ReplacementRatio > 0.05
	mojibake := pdftext.IsMojibake(m)
	nonSearchable := pdftext.IsNonSearchable(m)

	entry, ok := ix.Get(t.ContractID)
	if !ok {
		s.bump(func(p *Progress) {
			p.Scanned++
			p.Errors++
		})
		return
	}

	item := preflight.FromScanReport(entry, replacementDriven, mojibake, nonSearchable, datasetID)
	if item == nil {
		s.bump(func(p *Progress) {
			p.Scanned++
			p.Clean++
		})
		return
	}
	sink.UpsertPreflight(*item)
	s.bump(func(p *Progress) {
		p.Scanned++
		p.Flagged++
	})
}

func (s *Scanner) bump(update func(*Progress)) {
	s.mu.Lock()
	update(&s.progress)
	snapshot := s.progress
	s.mu.Unlock()
	if s.onProgress != nil {
		s.onProgress(snapshot)
	}
}
