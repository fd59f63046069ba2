package preflight

import (
	"reflect"
	"testing"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/schema"
	"kiwidesk/api/internal/workbook"
)

func fixtures(t *testing.T) (*workbook.Workbook, *contract.Index, *schema.Snapshot, *schema.Catalog) {
	t.Helper()
	wb := workbook.New("ds-1", "contracts.xlsx")
	wb.AddSheet("Accounts",
		[]string{"contract_key", "file_url", "document_type", "status", "record_id", "MysteryField"},
		[][]string{
			{"CK-001", "https://example.com/a.pdf", "msa", "ready", "REC-1", ""},
			{"CK-002", "https://example.com/b.pdf", "", "definitely-wrong", "REC-2", "x"},
		}, nil)
	cat := schema.DefaultCatalog()
	ix := contract.Build(wb)
	snap := schema.Build(wb, cat)
	return wb, ix, snap, cat
}

func TestDetectRowScoped(t *testing.T) {
	wb, ix, snap, cat := fixtures(t)
	items := Detect(wb, ix, snap, cat)

	var docMissing, picklist *Item
	for i := range items {
		switch items[i].Type {
		case DocumentTypeMissing:
			docMissing = &items[i]
		case PicklistInvalid:
			picklist = &items[i]
		}
	}
	if docMissing == nil {
		t.Fatal("missing DOCUMENT_TYPE_MISSING item")
	}
	if docMissing.ContractID != "https://example.com/b.pdf" || docMissing.SheetName != "Accounts" || docMissing.RowIndex != 2 {
		t.Errorf("doc-type item routing = %+v", docMissing)
	}
	if docMissing.Severity != SeverityBlocker || !docMissing.CanCreatePatch {
		t.Errorf("doc-type item grading = %+v", docMissing)
	}
	if picklist == nil || picklist.FieldName != "status" {
		t.Fatalf("picklist item = %+v", picklist)
	}
	if picklist.Severity != SeverityWarning {
		t.Errorf("picklist severity = %q", picklist.Severity)
	}
}

func TestDetectUnknownColumnIsBatchLevel(t *testing.T) {
	wb, ix, snap, cat := fixtures(t)
	items := Detect(wb, ix, snap, cat)
	for _, it := range items {
		if it.Type == UnknownColumn {
			if it.ContractID != "" || it.SheetName != "" {
				t.Errorf("unknown column must be batch-level: %+v", it)
			}
			return
		}
	}
	t.Fatal("missing UNKNOWN_COLUMN item")
}

func TestDetectNoDuplicateDedupKeys(t *testing.T) {
	wb, ix, snap, cat := fixtures(t)
	items := Detect(wb, ix, snap, cat)
	seen := map[string]bool{}
	for _, it := range items {
		if seen[it.DedupKey()] {
			t.Errorf("duplicate dedup key %q", it.DedupKey())
		}
		seen[it.DedupKey()] = true
	}
}

func TestDetectDeterministic(t *testing.T) {
	wb, ix, snap, cat := fixtures(t)
	a := Detect(wb, ix, snap, cat)
	b := Detect(wb, ix, snap, cat)
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		a[i].UpdatedAt = b[i].UpdatedAt
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("detection is not deterministic")
	}
}

func TestRequestIDStable(t *testing.T) {
	a := RequestIDFor(DocumentTypeMissing, "c1", "document_type")
	b := RequestIDFor(DocumentTypeMissing, "c1", "document_type")
	if a != b {
		t.Error("request ids must be deterministic")
	}
	if a == RequestIDFor(DocumentTypeMissing, "c2", "document_type") {
		t.Error("different contracts must get different ids")
	}
}

func TestFromScanReportPriority(t *testing.T) {
	entry := &contract.Entry{ID: "c1", Name: "BrandRoute", FileURL: "https://example.com/a.pdf", FirstSheet: "Accounts",
		Rows: []contract.RowRef{{Sheet: "Accounts", Index: 4}}}

	it := FromScanReport(entry, true, true, true, "ds")
	if it == nil || it.Type != OCRUnreadable || it.Severity != SeverityBlocker {
		t.Errorf("replacement-driven mojibake must emit OCR_UNREADABLE, got %+v", it)
	}
	if it.RowIndex != 4 || it.SheetName != "Accounts" {
		t.Errorf("scan item routing = %+v", it)
	}

	it = FromScanReport(entry, false, true, false, "ds")
	if it == nil || it.Type != Mojibake {
		t.Errorf("want MOJIBAKE, got %+v", it)
	}

	it = FromScanReport(entry, false, false, true, "ds")
	if it == nil || it.Type != TextNotSearchable || it.Severity != SeverityWarning {
		t.Errorf("want TEXT_NOT_SEARCHABLE warning, got %+v", it)
	}

	if it := FromScanReport(entry, false, false, false, "ds"); it != nil {
		t.Errorf("clean document must not emit, got %+v", it)
	}
}

func TestBlockerCounts(t *testing.T) {
	items := []Item{
		{ContractID: "c1", Severity: SeverityBlocker, Status: StatusOpen},
		{ContractID: "c1", Severity: SeverityBlocker, Status: StatusResolved},
		{ContractID: "c1", Severity: SeverityWarning, Status: StatusOpen},
		{ContractID: "", Severity: SeverityBlocker, Status: StatusOpen},
	}
	counts := BlockerCounts(items)
	if counts["c1"] != 1 {
		t.Errorf("c1 blockers = %d, want 1 (open blockers only)", counts["c1"])
	}
	if _, ok := counts[""]; ok {
		t.Error("batch-level items must not count against a contract")
	}
}
