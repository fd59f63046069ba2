// Package analytics recomputes the dashboard counters from the live model
// and checks that the numbers reconcile. Failures are surfaced, never
// silently corrected.
package analytics

import (
	"log"
	"sync"
	"time"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/grid"
	"kiwidesk/api/internal/patch"
	"kiwidesk/api/internal/preflight"
	"kiwidesk/api/internal/schema"
	"kiwidesk/api/internal/workbook"
)

// Lifecycle stages, derived from the status chip of each contract's rows.
const (
	StageReady       = "ready"
	StageNeedsReview = "needs_review"
	StageBlocked     = "blocked"
)

// Lanes counts open items per triage lane.
type Lanes struct {
	Preflight   int `json:"preflight"`
	Semantic    int `json:"semantic"`
	PatchReview int `json:"patch_review"`
}

// BatchSummary mirrors the last scan's progress counters.
type BatchSummary struct {
	Scanned int  `json:"scanned"`
	Total   int  `json:"total"`
	Clean   int  `json:"clean"`
	Flagged int  `json:"flagged"`
	Errors  int  `json:"errors"`
	Done    bool `json:"done"`
}

// SchemaCounts summarizes the last schema snapshot.
type SchemaCounts struct {
	UnknownColumns  int `json:"unknown_columns"`
	MissingRequired int `json:"missing_required"`
	Drift           int `json:"drift"`
}

// Reconciliation reports the invariant checks from the last recompute.
type Reconciliation struct {
	OK       bool     `json:"ok"`
	Failures []string `json:"failures,omitempty"`
}

// Snapshot is the cached analytics payload.
type Snapshot struct {
	TotalContracts int            `json:"total_contracts"`
	RecordsTotal   int            `json:"records_total"`
	UnassignedRows int            `json:"unassigned_rows"`
	Lifecycle      map[string]int `json:"lifecycle"`
	Lanes          Lanes          `json:"lanes"`
	BatchSummary   BatchSummary   `json:"batch_summary"`
	Schema         SchemaCounts   `json:"schema"`
	Reconciliation Reconciliation `json:"_reconciliation"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// Cache holds the latest snapshot. Recompute replaces it atomically.
type Cache struct {
	mu   sync.Mutex
	snap Snapshot
}

// Inputs carries everything a recompute reads.
type Inputs struct {
	Workbook  *workbook.Workbook
	Index     *contract.Index
	Schema    *schema.Snapshot
	Preflight []preflight.Item
	Patches   []*patch.Request
	Signals   int
	Batch     BatchSummary
}

func NewCache() *Cache { return &Cache{} }

// Recompute rebuilds the snapshot and runs the reconciliation invariants.
// Invariant failures are logged and flagged; the cached numbers keep the
// observed values.
func (c *Cache) Recompute(in Inputs) Snapshot {
	snap := Snapshot{
		Lifecycle:    map[string]int{StageReady: 0, StageNeedsReview: 0, StageBlocked: 0},
		BatchSummary: in.Batch,
		ComputedAt:   time.Now().UTC(),
	}

	if in.Index != nil {
		snap.TotalContracts = in.Index.Len()
		snap.UnassignedRows = len(in.Index.Orphans())
		for _, entry := range in.Index.ListContracts() {
			snap.Lifecycle[contractStage(in.Workbook, entry)]++
		}
	}
	if in.Workbook != nil {
		for _, sheet := range in.Workbook.DataSheets() {
			snap.RecordsTotal += len(sheet.Rows)
		}
	}
	if in.Schema != nil {
		snap.Schema = SchemaCounts{
			UnknownColumns:  len(in.Schema.Unknown),
			MissingRequired: len(in.Schema.MissingRequired),
			Drift:           len(in.Schema.Drift),
		}
	}
	for _, it := range in.Preflight {
		if it.Status == preflight.StatusOpen {
			snap.Lanes.Preflight++
		}
	}
	snap.Lanes.Semantic = in.Signals
	for _, req := range in.Patches {
		if !req.Status.IsTerminal() {
			snap.Lanes.PatchReview++
		}
	}

	snap.Reconciliation = c.reconcile(in, snap)

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return snap
}

// reconcile runs the invariants against the freshly computed numbers.
func (c *Cache) reconcile(in Inputs, snap Snapshot) Reconciliation {
	rec := Reconciliation{OK: true}
	fail := func(msg string) {
		rec.OK = false
		rec.Failures = append(rec.Failures, msg)
		log.Printf("analytics_reconciliation_failed check=%s", msg)
	}

	lifecycleSum := 0
	for _, n := range snap.Lifecycle {
		lifecycleSum += n
	}
	if lifecycleSum != snap.TotalContracts {
		fail("lifecycle_sum_vs_total_contracts")
	}
	if in.Workbook != nil {
		want := 0
		for _, sheet := range in.Workbook.DataSheets() {
			want += len(sheet.Rows)
		}
		if snap.RecordsTotal != want {
			fail("records_total_vs_data_rows")
		}
	}
	if in.Index != nil && snap.UnassignedRows != len(in.Index.Orphans()) {
		fail("unassigned_vs_orphans")
	}
	return rec
}

// contractStage buckets a contract by its worst row status: any blocked
// row makes the contract blocked, else any needs-review row, else ready.
func contractStage(wb *workbook.Workbook, entry *contract.Entry) string {
	if wb == nil {
		return StageNeedsReview
	}
	stage := StageReady
	for _, ref := range entry.Rows {
		row, ok := wb.RowAt(ref.Sheet, ref.Index)
		if !ok {
			continue
		}
		switch grid.ChipFor(grid.RowStatus(row)) {
		case grid.ChipBlocked:
			return StageBlocked
		case grid.ChipNeedsReview:
			stage = StageNeedsReview
		}
	}
	return stage
}

// Snapshot returns the cached payload.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}
