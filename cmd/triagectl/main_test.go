package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"kiwidesk/api/internal/workbook"
)

func testWorkbook(t *testing.T) *workbook.Workbook {
	t.Helper()
	wb := workbook.New("ds-test", "accounts.csv")
	wb.AddSheet("accounts",
		[]string{"contract_key", "record_id", "status"},
		[][]string{
			{"CK-001", "REC-1", "Draft"},
			{"CK-002", "REC-2", "Active"},
		}, nil)
	return wb
}

func TestApplyPatchesByRecordID(t *testing.T) {
	wb := testWorkbook(t)
	applied, missed := applyPatches(wb, []PatchEntry{
		{RecordID: "REC-1", FieldName: "status", AfterValue: "Active"},
	})
	if applied != 1 || missed != 0 {
		t.Fatalf("applied=%d missed=%d", applied, missed)
	}
	row, ok := wb.FindRecord("REC-1")
	if !ok || row.Get("status") != "Active" {
		t.Fatalf("row after patch: %+v", row)
	}
}

func TestApplyPatchesByRowAddress(t *testing.T) {
	wb := testWorkbook(t)
	applied, missed := applyPatches(wb, []PatchEntry{
		{SheetName: "accounts", RowIndex: 2, FieldName: "status", AfterValue: "Blocked"},
	})
	if applied != 1 || missed != 0 {
		t.Fatalf("applied=%d missed=%d", applied, missed)
	}
	row, _ := wb.RowAt("accounts", 2)
	if row.Get("status") != "Blocked" {
		t.Fatalf("status = %q", row.Get("status"))
	}
}

func TestApplyPatchesMisses(t *testing.T) {
	wb := testWorkbook(t)
	applied, missed := applyPatches(wb, []PatchEntry{
		{RecordID: "REC-404", FieldName: "status", AfterValue: "x"},
		{RecordID: "REC-1", AfterValue: "no field name"},
		{SheetName: "accounts", RowIndex: 99, FieldName: "status", AfterValue: "x"},
	})
	if applied != 0 || missed != 3 {
		t.Fatalf("applied=%d missed=%d", applied, missed)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "accounts.csv")
	csv := "contract_key,record_id,status\nCK-001,REC-1,Draft\nCK-002,REC-2,Active\n"
	if err := os.WriteFile(base, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	patchFile := filepath.Join(dir, "patches.json")
	patches := `[{"recordId":"REC-1","fieldName":"status","afterValue":"Active"}]`
	if err := os.WriteFile(patchFile, []byte(patches), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out")
	if err := run(base, patchFile, "standardized.json", "qa_report.json", out); err != nil {
		t.Fatalf("run: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(out, "qa_report.json"))
	if err != nil {
		t.Fatalf("read qa report: %v", err)
	}
	var report QAReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode qa report: %v", err)
	}
	if report.PatchesApplied != 1 || report.PatchesMissed != 0 {
		t.Fatalf("report: %+v", report)
	}
	if report.Analytics.TotalContracts != 2 {
		t.Fatalf("contracts = %d", report.Analytics.TotalContracts)
	}

	raw, err = os.ReadFile(filepath.Join(out, "standardized.json"))
	if err != nil {
		t.Fatalf("read standardized: %v", err)
	}
	var wb workbook.Workbook
	if err := json.Unmarshal(raw, &wb); err != nil {
		t.Fatalf("decode standardized: %v", err)
	}
	sheet, ok := wb.Sheets["accounts"]
	if !ok || len(sheet.Rows) != 2 {
		t.Fatalf("standardized sheet = %+v", sheet)
	}
	if got := sheet.Rows[0].Get("status"); got != "Active" {
		t.Fatalf("patched status = %q", got)
	}
}

func TestRunMissingBaseFile(t *testing.T) {
	if err := run(filepath.Join(t.TempDir(), "nope.csv"), "", "s.json", "q.json", t.TempDir()); err == nil {
		t.Fatal("expected error for missing base file")
	}
}
