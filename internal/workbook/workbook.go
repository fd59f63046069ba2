// Package workbook holds the in-memory model of an imported spreadsheet:
// ordered sheets, their headers and rows, and the active selection.
package workbook

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"kiwidesk/api/internal/identity"
)

// Field names carried by rows that the rest of the system keys on.
const (
	FieldContractKey  = "contract_key"
	FieldContractID   = "contract_id"
	FieldFileURL      = "file_url"
	FieldFileName     = "file_name"
	FieldRecordID     = "record_id"
	FieldDocumentType = "document_type"
	FieldStatus       = "status"
)

// Row is one data row: a mapping from column name to cell value plus its
// position. Index is the 1-based position among the sheet's data rows;
// dropped header-echo rows still consume an index so positions match the
// source spreadsheet.
type Row struct {
	Sheet string            `json:"sheet"`
	Index int               `json:"index"`
	Cells map[string]string `json:"cells"`
}

// Get returns the cell value for a column, empty string when absent.
func (r Row) Get(field string) string {
	return r.Cells[field]
}

// Sheet is a named, ordered collection of rows under a header.
type Sheet struct {
	Name    string   `json:"name"`
	Headers []string `json:"headers"`
	Rows    []Row    `json:"rows"`
	Kind    Kind     `json:"kind"`
}

// Workbook is the parsed model. Sheet order is preserved from the source
// file; Active is one of the sheet names or empty.
type Workbook struct {
	DatasetID  string            `json:"datasetId"`
	SourceFile string            `json:"sourceFile"`
	Order      []string          `json:"order"`
	Sheets     map[string]*Sheet `json:"sheets"`
	Active     string            `json:"active"`

	// EchoesDropped counts header-echo rows removed at parse time.
	EchoesDropped int `json:"echoesDropped"`
}

// EventSink receives audit events from parsing. The concrete sink is the
// bounded event log; an interface keeps this package free of that import.
type EventSink interface {
	Emit(eventType string, detail map[string]any)
}

type nopSink struct{}

func (nopSink) Emit(string, map[string]any) {}

// New returns an empty workbook identified by the source file and content.
func New(datasetID, sourceFile string) *Workbook {
	return &Workbook{
		DatasetID:  datasetID,
		SourceFile: sourceFile,
		Sheets:     make(map[string]*Sheet),
	}
}

// DatasetIDFor derives the workbook identity from its file name and bytes.
// Loading the same bytes twice yields the same identity.
func DatasetIDFor(data []byte, filename string) string {
	sum := sha1.Sum(data)
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(base), " ", "_"))
	if base == "" {
		base = "workbook"
	}
	return base + "-" + hex.EncodeToString(sum[:6])
}

// AddSheet appends a sheet, classifying it, dropping header-echo rows,
// assigning row indices and sanitizing identity fields. Raw rows are cell
// slices aligned with headers; short rows are padded, extras ignored.
func (w *Workbook) AddSheet(name string, headers []string, raw [][]string, events EventSink) *Sheet {
	if events == nil {
		events = nopSink{}
	}
	cleanHeaders := make([]string, len(headers))
	for i, h := range headers {
		cleanHeaders[i] = identity.Normalize(h)
	}
	sheet := &Sheet{
		Name:    name,
		Headers: cleanHeaders,
		Kind:    Classify(name),
	}
	for i, cells := range raw {
		index := i + 1
		if isHeaderEcho(cleanHeaders, cells) {
			w.EchoesDropped++
			events.Emit("ROW_SANITIZED_HEADER_ECHO", map[string]any{
				"sheet": name,
				"row":   index,
			})
			continue
		}
		row := Row{Sheet: name, Index: index, Cells: make(map[string]string, len(cleanHeaders))}
		for c, h := range cleanHeaders {
			if h == "" {
				continue
			}
			var v string
			if c < len(cells) {
				v = cells[c]
			}
			row.Cells[h] = sanitizeField(h, v)
		}
		sheet.Rows = append(sheet.Rows, row)
	}
	if _, exists := w.Sheets[name]; !exists {
		w.Order = append(w.Order, name)
	}
	w.Sheets[name] = sheet
	return sheet
}

// sanitizeField applies the identity normalizer to the fields rows are
// keyed by; other cells pass through untouched.
func sanitizeField(header, value string) string {
	switch header {
	case FieldFileURL:
		return identity.SanitizeURL(value)
	case FieldFileName, FieldContractKey:
		return identity.StripAutoAnnotation(value)
	default:
		return value
	}
}

// isHeaderEcho reports whether every cell equals the header of the same
// column, case-insensitive after normalization. An all-empty row is not an
// echo.
func isHeaderEcho(headers []string, cells []string) bool {
	matched := 0
	for i, h := range headers {
		if h == "" {
			continue
		}
		var v string
		if i < len(cells) {
			v = cells[i]
		}
		if identity.NormalizeCmp(v) != identity.NormalizeCmp(h) {
			return false
		}
		matched++
	}
	return matched > 0
}

// SetActive selects a sheet. Returns an error for unknown names; empty
// clears the selection.
func (w *Workbook) SetActive(name string) error {
	if name == "" {
		w.Active = ""
		return nil
	}
	if _, ok := w.Sheets[name]; !ok {
		return fmt.Errorf("unknown sheet %q", name)
	}
	w.Active = name
	return nil
}

// Reset discards all sheets and the active selection.
func (w *Workbook) Reset() {
	w.Order = nil
	w.Sheets = make(map[string]*Sheet)
	w.Active = ""
	w.EchoesDropped = 0
}

// DataSheets returns the data-classified sheets in workbook order.
func (w *Workbook) DataSheets() []*Sheet {
	var out []*Sheet
	for _, name := range w.Order {
		if s := w.Sheets[name]; s != nil && s.Kind == KindData {
			out = append(out, s)
		}
	}
	return out
}

// RecordsTotal counts rows across data sheets only.
func (w *Workbook) RecordsTotal() int {
	total := 0
	for _, s := range w.DataSheets() {
		total += len(s.Rows)
	}
	return total
}

// RowAt looks up a row by sheet name and 1-based index.
func (w *Workbook) RowAt(sheet string, index int) (Row, bool) {
	s, ok := w.Sheets[sheet]
	if !ok {
		return Row{}, false
	}
	for _, r := range s.Rows {
		if r.Index == index {
			return r, true
		}
	}
	return Row{}, false
}

// FindRecord scans data sheets in workbook order for a record id.
func (w *Workbook) FindRecord(recordID string) (Row, bool) {
	want := identity.NormalizeCmp(recordID)
	if want == "" {
		return Row{}, false
	}
	for _, s := range w.DataSheets() {
		for _, r := range s.Rows {
			if identity.NormalizeCmp(r.Get(FieldRecordID)) == want {
				return r, true
			}
		}
	}
	return Row{}, false
}
