package triage

import (
	"context"
	"encoding/json"
	"testing"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/patch"
	"kiwidesk/api/internal/preflight"
	"kiwidesk/api/internal/workbook"
)

type memEvents struct {
	types []string
}

func (m *memEvents) Emit(eventType string, _ map[string]any) {
	m.types = append(m.types, eventType)
}

func pfItem(t preflight.BlockerType, sev preflight.Severity, contractID, field, dataset string) preflight.Item {
	return preflight.Item{
		RequestID:  preflight.RequestIDFor(t, contractID, field),
		Type:       t,
		Severity:   sev,
		ContractID: contractID,
		FieldName:  field,
		DatasetID:  dataset,
		Status:     preflight.StatusOpen,
	}
}

func TestUpsertPreflightSkipsOpenDuplicates(t *testing.T) {
	st := NewState(nil)
	a := pfItem(preflight.MissingRequired, preflight.SeverityBlocker, "c1", "status", "ds")
	b := pfItem(preflight.MissingRequired, preflight.SeverityBlocker, "c1", "status", "ds")

	if n := st.UpsertPreflight(a); n != 1 {
		t.Fatalf("first upsert added %d", n)
	}
	if n := st.UpsertPreflight(b); n != 0 {
		t.Fatalf("duplicate upsert added %d", n)
	}
	if got := len(st.PreflightItems()); got != 1 {
		t.Fatalf("items = %d", got)
	}
}

func TestUpsertAfterResolveReopensInPlace(t *testing.T) {
	st := NewState(nil)
	a := pfItem(preflight.MissingRequired, preflight.SeverityBlocker, "c1", "status", "ds")
	st.UpsertPreflight(a)
	if !st.SetItemStatus(a.RequestID, preflight.StatusResolved) {
		t.Fatal("status update failed")
	}
	if n := st.UpsertPreflight(a); n != 1 {
		t.Fatalf("re-detection after resolve added %d", n)
	}
	items := st.PreflightItems()
	if len(items) != 1 {
		t.Fatalf("items = %d, want the resolved entry reopened in place", len(items))
	}
	if items[0].Status != preflight.StatusOpen {
		t.Fatalf("status = %q", items[0].Status)
	}
}

func TestPreflightOrdering(t *testing.T) {
	st := NewState(nil)
	st.UpsertPreflight(
		pfItem(preflight.PicklistInvalid, preflight.SeverityWarning, "a", "status", "ds"),
		pfItem(preflight.MissingRequired, preflight.SeverityBlocker, "b", "file_url", "ds"),
		pfItem(preflight.MissingRequired, preflight.SeverityBlocker, "a", "file_url", "ds"),
	)
	got := st.PreflightItems()
	if got[0].ContractID != "a" || got[0].Severity != preflight.SeverityBlocker {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].ContractID != "b" {
		t.Fatalf("second = %+v", got[1])
	}
	if got[2].Severity != preflight.SeverityWarning {
		t.Fatalf("third = %+v", got[2])
	}
}

func TestSetDatasetPurgesMismatched(t *testing.T) {
	ev := &memEvents{}
	st := NewState(ev)
	st.SetDataset("ds-old", "old.xlsx")
	st.UpsertPreflight(pfItem(preflight.MissingRequired, preflight.SeverityBlocker, "c1", "status", "ds-old"))

	st.SetDataset("ds-new", "new.xlsx")
	if got := len(st.PreflightItems()); got != 0 {
		t.Fatalf("stale items kept: %d", got)
	}
	found := false
	for _, typ := range ev.types {
		if typ == "dataset_mismatch_purged" {
			found = true
		}
	}
	if !found {
		t.Fatalf("purge event missing, got %v", ev.types)
	}
}

func TestProjectPatchesExclusions(t *testing.T) {
	st := NewState(nil)
	reqs := []*patch.Request{
		{RequestID: "p1", Status: patch.StatusDraft, SheetName: "Accounts", FieldName: "status"},
		{RequestID: "p2", Status: patch.StatusDraft, SheetName: "glossary terms", FieldName: "status"},
		{RequestID: "p3", Status: patch.StatusDraft, SheetName: "Accounts", FieldName: "__meta_rev"},
		{RequestID: "p4", Status: patch.StatusApplied, SheetName: "Accounts", FieldName: "status"},
	}
	st.ProjectPatches(reqs)
	got := st.PatchItems()
	if len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("patch lane = %+v", got)
	}
}

func resolverFixture(t *testing.T) (*workbook.Workbook, *contract.Index) {
	t.Helper()
	wb := workbook.New("ds-1", "contracts.xlsx")
	wb.AddSheet("Accounts",
		[]string{"contract_key", "file_url", "file_name", "record_id", "status"},
		[][]string{
			{"CK-001", "https://example.com/a.pdf", "Acme MSA", "REC-1", "Active"},
			{"CK-002", "", "Globex SOW", "REC-2", "Draft"},
		}, nil)
	return wb, contract.Build(wb)
}

type memRecordStore struct {
	records map[string][]byte
}

func (m *memRecordStore) GetRecord(_ context.Context, tenant, datasetID, recordID string) ([]byte, bool, error) {
	b, ok := m.records[tenant+"/records/"+datasetID+"/"+recordID]
	return b, ok, nil
}

func TestResolveExactRecord(t *testing.T) {
	wb, ix := resolverFixture(t)
	r := NewResolver(wb, ix, nil, "acme", nil)

	dest := r.Resolve(context.Background(), Item{ID: "t1", RecordID: "REC-2", FieldName: "status"}, "ds-1")
	if dest.Path != PathExactRecord {
		t.Fatalf("path = %s", dest.Path)
	}
	if dest.Sheet != "Accounts" || dest.RowIndex != 2 || dest.FocusField != "status" {
		t.Fatalf("dest = %+v", dest)
	}
	if dest.Record["file_name"] != "Globex SOW" {
		t.Fatalf("record = %v", dest.Record)
	}
}

func TestResolveCanonicalStoreFallback(t *testing.T) {
	wb, ix := resolverFixture(t)
	payload, _ := json.Marshal(map[string]string{"contract_key": "CK-009", "status": "Archived"})
	store := &memRecordStore{records: map[string][]byte{
		"acme/records/ds-1/REC-GONE": payload,
	}}
	r := NewResolver(wb, ix, store, "acme", nil)

	dest := r.Resolve(context.Background(), Item{ID: "t2", RecordID: "REC-GONE", FieldName: "status"}, "ds-1")
	if dest.Path != PathCanonicalStore {
		t.Fatalf("path = %s", dest.Path)
	}
	if dest.Record["status"] != "Archived" {
		t.Fatalf("record = %v", dest.Record)
	}
}

func TestResolveSheetRow(t *testing.T) {
	wb, ix := resolverFixture(t)
	r := NewResolver(wb, ix, nil, "acme", nil)

	dest := r.Resolve(context.Background(), Item{ID: "t3", SheetName: "Accounts", RowIndex: 1}, "ds-1")
	if dest.Path != PathSheetRow || dest.RowIndex != 1 {
		t.Fatalf("dest = %+v", dest)
	}
}

func TestResolveContractField(t *testing.T) {
	wb, ix := resolverFixture(t)
	r := NewResolver(wb, ix, nil, "acme", nil)

	dest := r.Resolve(context.Background(), Item{ID: "t4", ContractID: "https://example.com/a.pdf", FieldName: "status"}, "ds-1")
	if dest.Path != PathContractField {
		t.Fatalf("path = %s", dest.Path)
	}
	if dest.Sheet != "Accounts" || dest.RowIndex != 1 {
		t.Fatalf("dest = %+v", dest)
	}
}

func TestResolveContractFieldWithoutFocus(t *testing.T) {
	wb, ix := resolverFixture(t)
	r := NewResolver(wb, ix, nil, "acme", nil)

	// A known contract opens the inspector even with no field to focus.
	dest := r.Resolve(context.Background(), Item{ID: "t5", ContractID: "https://example.com/a.pdf"}, "ds-1")
	if dest.Path != PathContractField {
		t.Fatalf("path = %s", dest.Path)
	}
	if dest.Sheet != "Accounts" || dest.RowIndex != 1 || dest.FocusField != "" {
		t.Fatalf("dest = %+v", dest)
	}
}

func TestResolveContractGridUnknownContract(t *testing.T) {
	wb, ix := resolverFixture(t)
	r := NewResolver(wb, ix, nil, "acme", nil)

	// A set but unindexed contract id still routes to the filtered grid,
	// never the diagnostics modal.
	dest := r.Resolve(context.Background(), Item{ID: "t5b", ContractID: "CK-UNKNOWN"}, "ds-1")
	if dest.Path != PathContractGrid || dest.ContractID != "CK-UNKNOWN" {
		t.Fatalf("dest = %+v", dest)
	}
}

func TestResolveUnresolvedDiagnostics(t *testing.T) {
	wb, ix := resolverFixture(t)
	ev := &memEvents{}
	r := NewResolver(wb, ix, nil, "acme", ev)

	dest := r.Resolve(context.Background(), Item{ID: "t6", RecordID: "NOPE", DatasetID: "ds-2"}, "ds-1")
	if dest.Path != PathUnresolved {
		t.Fatalf("path = %s", dest.Path)
	}
	if dest.Diagnostics["reason"] != "no_match_found" {
		t.Fatalf("diagnostics = %v", dest.Diagnostics)
	}
	if dest.Diagnostics["item_dataset"] != "ds-2" || dest.Diagnostics["active_dataset"] != "ds-1" {
		t.Fatalf("dataset diagnostics = %v", dest.Diagnostics)
	}
	if len(ev.types) == 0 || ev.types[0] != "triage_record_unresolved" {
		t.Fatalf("events = %v", ev.types)
	}
}
