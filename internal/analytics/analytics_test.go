package analytics

import (
	"testing"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/patch"
	"kiwidesk/api/internal/preflight"
	"kiwidesk/api/internal/workbook"
)

func fixture(t *testing.T) (*workbook.Workbook, *contract.Index) {
	t.Helper()
	wb := workbook.New("ds-1", "book.xlsx")
	wb.AddSheet("Accounts",
		[]string{"contract_key", "file_url", "record_id", "status"},
		[][]string{
			{"CK-001", "https://example.com/a.pdf", "REC-1", "Active"},
			{"CK-002", "", "REC-2", "Blocked"},
			{"", "", "REC-3", ""}, // orphan
		}, nil)
	return wb, contract.Build(wb)
}

func TestRecomputeReconciles(t *testing.T) {
	wb, ix := fixture(t)
	cache := NewCache()

	snap := cache.Recompute(Inputs{
		Workbook: wb,
		Index:    ix,
		Preflight: []preflight.Item{
			{RequestID: "1", Status: preflight.StatusOpen},
			{RequestID: "2", Status: preflight.StatusResolved},
		},
		Patches: []*patch.Request{
			{RequestID: "p1", Status: patch.StatusSubmitted},
			{RequestID: "p2", Status: patch.StatusApplied},
		},
		Signals: 1,
	})

	if !snap.Reconciliation.OK {
		t.Fatalf("reconciliation failed: %v", snap.Reconciliation.Failures)
	}
	if snap.TotalContracts != 2 {
		t.Fatalf("total contracts = %d", snap.TotalContracts)
	}
	if snap.RecordsTotal != 3 {
		t.Fatalf("records total = %d", snap.RecordsTotal)
	}
	if snap.UnassignedRows != 1 {
		t.Fatalf("unassigned = %d", snap.UnassignedRows)
	}
	sum := 0
	for _, n := range snap.Lifecycle {
		sum += n
	}
	if sum != snap.TotalContracts {
		t.Fatalf("lifecycle sum %d != total %d", sum, snap.TotalContracts)
	}
	if snap.Lifecycle[StageBlocked] != 1 || snap.Lifecycle[StageReady] != 1 {
		t.Fatalf("lifecycle = %v", snap.Lifecycle)
	}
	if snap.Lanes.Preflight != 1 || snap.Lanes.Semantic != 1 || snap.Lanes.PatchReview != 1 {
		t.Fatalf("lanes = %+v", snap.Lanes)
	}
}

func TestRecomputeCachesSnapshot(t *testing.T) {
	wb, ix := fixture(t)
	cache := NewCache()
	cache.Recompute(Inputs{Workbook: wb, Index: ix})

	if got := cache.Snapshot(); got.TotalContracts != 2 {
		t.Fatalf("cached total = %d", got.TotalContracts)
	}
}

func TestRecomputeEmptyInputs(t *testing.T) {
	cache := NewCache()
	snap := cache.Recompute(Inputs{})
	if !snap.Reconciliation.OK {
		t.Fatalf("empty recompute flagged: %v", snap.Reconciliation.Failures)
	}
	if snap.TotalContracts != 0 || snap.RecordsTotal != 0 {
		t.Fatalf("snap = %+v", snap)
	}
}
