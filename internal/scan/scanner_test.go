package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/pdftext"
	"kiwidesk/api/internal/preflight"
	"kiwidesk/api/internal/workbook"
)

type fakeFetcher struct {
	mu         sync.Mutex
	byURL      map[string][]pdftext.Page
	failing    map[string]bool
	calls      int
	barrier    chan struct{} // when set, fetches wait until released
	parked     chan struct{} // closed once the first fetch reaches the barrier
	parkedOnce sync.Once
}

func (f *fakeFetcher) FetchText(ctx context.Context, url string) ([]pdftext.Page, error) {
	f.mu.Lock()
	f.calls++
	barrier := f.barrier
	f.mu.Unlock()
	if barrier != nil {
		if f.parked != nil {
			f.parkedOnce.Do(func() { close(f.parked) })
		}
		select {
		case <-barrier:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failing[url] {
		return nil, errors.New("boom")
	}
	return f.byURL[url], nil
}

type memSink struct {
	mu    sync.Mutex
	items []preflight.Item
	open  map[string]bool
}

func (m *memSink) UpsertPreflight(items ...preflight.Item) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil {
		m.open = map[string]bool{}
	}
	added := 0
	for _, it := range items {
		if m.open[it.DedupKey()] {
			continue
		}
		m.open[it.DedupKey()] = true
		m.items = append(m.items, it)
		added++
	}
	return added
}

func scanIndex(t *testing.T) *contract.Index {
	t.Helper()
	wb := workbook.New("ds-1", "t.xlsx")
	wb.AddSheet("Accounts",
		[]string{"file_url", "file_name"},
		[][]string{
			{"https://docs.example.com/clean.pdf", "Clean"},
			{"https://docs.example.com/moji.pdf", "BrandRoute"},
			{"https://docs.example.com/empty.pdf", "Empty"},
			{"https://docs.example.com/broken.pdf", "Broken"},
		}, nil)
	return contract.Build(wb)
}

func cleanPages() []pdftext.Page {
	return []pdftext.Page{{Page: 1, Text: strings.Repeat("searchable text ", 10)}}
}

func mojibakePages() []pdftext.Page {
	// 8% replacement characters.
	return []pdftext.Page{{Page: 1, Text: strings.Repeat("�", 8) + strings.Repeat("a", 92)}}
}

func TestRunClassifiesAndCounts(t *testing.T) {
	fetcher := &fakeFetcher{
		byURL: map[string][]pdftext.Page{
			"https://docs.example.com/clean.pdf": cleanPages(),
			"https://docs.example.com/moji.pdf":  mojibakePages(),
			"https://docs.example.com/empty.pdf": {{Page: 1}, {Page: 2}},
		},
		failing: map[string]bool{"https://docs.example.com/broken.pdf": true},
	}
	sink := &memSink{}
	s := New(fetcher, nil, nil)

	final := s.Run(context.Background(), scanIndex(t), sink, "ds-1")

	if final.Scanned != 4 || final.Total != 4 {
		t.Errorf("progress = %+v", final)
	}
	if final.Clean != 1 || final.Flagged != 2 || final.Errors != 1 {
		t.Errorf("counts = %+v", final)
	}
	if !final.Done {
		t.Error("final progress must be marked done")
	}

	types := map[preflight.BlockerType]bool{}
	for _, it := range sink.items {
		types[it.Type] = true
	}
	if !types[preflight.OCRUnreadable] {
		t.Error("mojibake pdf should emit OCR_UNREADABLE")
	}
	if !types[preflight.TextNotSearchable] {
		t.Error("empty pdf should emit TEXT_NOT_SEARCHABLE")
	}
	// Fetch failure emits nothing.
	if len(sink.items) != 2 {
		t.Errorf("items = %d, want 2", len(sink.items))
	}
}

// Scanning twice with an unchanged workbook emits the same item set: the
// sink drops re-emissions by dedup key.
func TestRunIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{
		byURL: map[string][]pdftext.Page{
			"https://docs.example.com/clean.pdf": cleanPages(),
			"https://docs.example.com/moji.pdf":  mojibakePages(),
			"https://docs.example.com/empty.pdf": {{Page: 1}},
		},
		failing: map[string]bool{"https://docs.example.com/broken.pdf": true},
	}
	sink := &memSink{}
	s := New(fetcher, nil, nil)
	ix := scanIndex(t)

	s.Run(context.Background(), ix, sink, "ds-1")
	first := len(sink.items)
	s.Run(context.Background(), ix, sink, "ds-1")
	if len(sink.items) != first {
		t.Errorf("second scan added items: %d -> %d", first, len(sink.items))
	}
}

// Invalidate during a scan discards in-flight results: no items, no done
// marker for the stale token.
func TestInvalidateDiscardsInFlight(t *testing.T) {
	barrier := make(chan struct{})
	parked := make(chan struct{})
	fetcher := &fakeFetcher{
		byURL: map[string][]pdftext.Page{
			"https://docs.example.com/clean.pdf": cleanPages(),
			"https://docs.example.com/moji.pdf":  mojibakePages(),
			"https://docs.example.com/empty.pdf": {{Page: 1}},
		},
		failing: map[string]bool{"https://docs.example.com/broken.pdf": true},
		barrier: barrier,
		parked:  parked,
	}
	sink := &memSink{}
	s := New(fetcher, nil, nil)

	done := make(chan Progress)
	go func() { done <- s.Run(context.Background(), scanIndex(t), sink, "ds-1") }()

	// Wait for a fetch to park so the run has snapshotted its token, then
	// reload the workbook out from under it.
	<-parked
	s.Invalidate()
	close(barrier)
	final := <-done

	if len(sink.items) != 0 {
		t.Errorf("stale scan emitted %d items", len(sink.items))
	}
	if final.Done {
		t.Error("stale scan must not be marked done")
	}
}

func TestTargetsUnique(t *testing.T) {
	wb := workbook.New("ds", "t.xlsx")
	wb.AddSheet("A", []string{"file_url"}, [][]string{
		{"https://docs.example.com/a.pdf"},
		{"https://docs.example.com/a.pdf"},
		{"https://docs.example.com/b.pdf"},
	}, nil)
	targets := Targets(contract.Build(wb))
	if len(targets) != 2 {
		t.Errorf("targets = %+v, want 2 unique", targets)
	}
}

func TestBannerHold(t *testing.T) {
	if (Progress{Flagged: 1}).BannerHold() != bannerHoldFlagged {
		t.Error("flagged scans hold the banner longer")
	}
	if (Progress{}).BannerHold() != bannerHoldClean {
		t.Error("clean scans use the short hold")
	}
}
