package workbook

import (
	"strings"
	"testing"
)

type captureSink struct {
	events []string
}

func (c *captureSink) Emit(eventType string, detail map[string]any) {
	c.events = append(c.events, eventType)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		want Kind
	}{
		{"Accounts", KindData},
		{"accounts_change_log", KindMeta},
		{"Glossary", KindReference},
		{"glossary_v2", KindReference},
		{"picklist_reference", KindReference},
		{"RFIs & Analyst Notes", KindReference},
		{"Contracts 2024", KindData},
	}
	for _, c := range cases {
		if got := Classify(c.name); got != c.want {
			t.Errorf("Classify(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestAddSheetDropsHeaderEcho(t *testing.T) {
	sink := &captureSink{}
	wb := New("ds", "test.xlsx")
	sheet := wb.AddSheet("Accounts",
		[]string{"contract_key", "file_url", "status"},
		[][]string{
			{"CK-001", "https://example.com/a.pdf", "ready"},
			{"Contract_Key", "FILE_URL", "Status"}, // echo, case-insensitive
			{"CK-002", "https://example.com/b.pdf", "blocked"},
		}, sink)

	if len(sheet.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(sheet.Rows))
	}
	if wb.EchoesDropped != 1 {
		t.Errorf("EchoesDropped = %d, want 1", wb.EchoesDropped)
	}
	if len(sink.events) != 1 || sink.events[0] != "ROW_SANITIZED_HEADER_ECHO" {
		t.Errorf("events = %v", sink.events)
	}
	// Dropped echo still consumes an index.
	if sheet.Rows[1].Index != 3 {
		t.Errorf("second kept row index = %d, want 3", sheet.Rows[1].Index)
	}
}

func TestAddSheetSanitizesIdentityFields(t *testing.T) {
	wb := New("ds", "test.xlsx")
	sheet := wb.AddSheet("Accounts",
		[]string{"file_url", "file_name"},
		[][]string{
			{"https://example.com/a.pdf //check page 2", "Acme MSA //[AUTO] imported"},
		}, nil)

	row := sheet.Rows[0]
	if got := row.Get(FieldFileURL); got != "https://example.com/a.pdf" {
		t.Errorf("file_url = %q", got)
	}
	if got := row.Get(FieldFileName); got != "Acme MSA" {
		t.Errorf("file_name = %q", got)
	}
}

func TestLoadFromBytesCSV(t *testing.T) {
	data := []byte("contract_key,file_url,status\nCK-001,https://example.com/a.pdf,ready\nCK-002,https://example.com/b.pdf,blocked\n")
	wb, err := LoadFromBytes(data, "contracts.csv", nil)
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if len(wb.Order) != 1 || wb.Order[0] != "contracts" {
		t.Fatalf("order = %v", wb.Order)
	}
	if wb.RecordsTotal() != 2 {
		t.Errorf("records = %d, want 2", wb.RecordsTotal())
	}
	if wb.DatasetID == "" || !strings.HasPrefix(wb.DatasetID, "contracts-") {
		t.Errorf("dataset id = %q", wb.DatasetID)
	}
}

func TestDatasetIDDeterministic(t *testing.T) {
	data := []byte("a,b\n1,2\n")
	if DatasetIDFor(data, "x.csv") != DatasetIDFor(data, "x.csv") {
		t.Error("dataset id not deterministic")
	}
	if DatasetIDFor(data, "x.csv") == DatasetIDFor([]byte("a,b\n1,3\n"), "x.csv") {
		t.Error("different bytes should yield different identity")
	}
}

func TestSetActive(t *testing.T) {
	wb := New("ds", "t.xlsx")
	wb.AddSheet("Accounts", []string{"a"}, nil, nil)
	if err := wb.SetActive("Accounts"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := wb.SetActive("Nope"); err == nil {
		t.Error("expected error for unknown sheet")
	}
	if err := wb.SetActive(""); err != nil || wb.Active != "" {
		t.Error("clearing selection failed")
	}
}

func TestFindRecord(t *testing.T) {
	wb := New("ds", "t.xlsx")
	wb.AddSheet("Accounts", []string{"record_id"}, [][]string{{"REC-1"}, {"REC-2"}}, nil)
	wb.AddSheet("notes_reference", []string{"record_id"}, [][]string{{"REC-9"}}, nil)

	if _, ok := wb.FindRecord("rec-2"); !ok {
		t.Error("record lookup should be case-insensitive")
	}
	if _, ok := wb.FindRecord("REC-9"); ok {
		t.Error("reference sheets must not participate in record lookup")
	}
	if _, ok := wb.FindRecord(""); ok {
		t.Error("empty record id must not match")
	}
}
