// Package preflight runs the deterministic checks every record must pass
// before manual triage, and emits one actionable item per problem found.
package preflight

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/identity"
	"kiwidesk/api/internal/schema"
	"kiwidesk/api/internal/workbook"
)

// BlockerType enumerates the problems pre-flight can detect.
type BlockerType string

const (
	UnknownColumn       BlockerType = "UNKNOWN_COLUMN"
	OCRUnreadable       BlockerType = "OCR_UNREADABLE"
	TextNotSearchable   BlockerType = "TEXT_NOT_SEARCHABLE"
	LowConfidence       BlockerType = "LOW_CONFIDENCE"
	Mojibake            BlockerType = "MOJIBAKE"
	DocumentTypeMissing BlockerType = "DOCUMENT_TYPE_MISSING"
	MissingRequired     BlockerType = "MISSING_REQUIRED"
	PicklistInvalid     BlockerType = "PICKLIST_INVALID"
)

// Severity grades an item.
type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Status is the triage lifecycle of an item.
type Status string

const (
	StatusOpen      Status = "open"
	StatusInReview  Status = "in_review"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// Item is one detected problem. Batch-level items carry an empty
// ContractID and SheetName and group under "Batch-level Issues".
type Item struct {
	RequestID      string      `json:"requestId"`
	Type           BlockerType `json:"blockerType"`
	Severity       Severity    `json:"severity"`
	ContractID     string      `json:"contractId"`
	ContractKey    string      `json:"contractKey"`
	RecordID       string      `json:"recordId"`
	SheetName      string      `json:"sheetName"`
	RowIndex       int         `json:"rowIndex"`
	FieldName      string      `json:"fieldName"`
	FileURL        string      `json:"fileUrl"`
	FileName       string      `json:"fileName"`
	Message        string      `json:"message"`
	Status         Status      `json:"status"`
	CanCreatePatch bool        `json:"canCreatePatch"`
	DatasetID      string      `json:"datasetId"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// DedupKey identifies equivalent items: re-detection of the same problem
// for the same contract and field must not produce a second open item.
func (i Item) DedupKey() string {
	return string(i.Type) + "|" + i.ContractID + "|" + i.FieldName
}

// RequestIDFor derives a stable id from the item's kind, contract and
// field, so repeated detection runs converge on the same item.
func RequestIDFor(t BlockerType, contractID, field string) string {
	sum := sha1.Sum([]byte(string(t) + "|" + contractID + "|" + field))
	return "pf_" + hex.EncodeToString(sum[:8])
}

func newItem(t BlockerType, sev Severity, contractID, field string) Item {
	return Item{
		RequestID:  RequestIDFor(t, contractID, field),
		Type:       t,
		Severity:   sev,
		ContractID: contractID,
		FieldName:  field,
		Status:     StatusOpen,
		UpdatedAt:  time.Now().UTC(),
	}
}

// Detect runs the schema-level and row-level checks. PDF-derived items come
// from the batch scanner separately. The result carries no duplicate dedup
// keys and is sorted by (contract, sheet, row, field) so identical inputs
// yield identical output.
func Detect(wb *workbook.Workbook, ix *contract.Index, snap *schema.Snapshot, cat *schema.Catalog) []Item {
	var items []Item
	items = append(items, fromSnapshot(wb, snap)...)
	items = append(items, fromRows(wb, ix, cat)...)

	seen := make(map[string]struct{}, len(items))
	deduped := items[:0]
	for _, it := range items {
		it.DatasetID = wb.DatasetID
		key := it.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, it)
	}
	Sort(deduped)
	return deduped
}

// Sort orders items by (contract_id, sheet_name, row_index, field_name),
// stably.
func Sort(items []Item) {
	sort.SliceStable(items, func(a, b int) bool {
		x, y := items[a], items[b]
		if x.ContractID != y.ContractID {
			return x.ContractID < y.ContractID
		}
		if x.SheetName != y.SheetName {
			return x.SheetName < y.SheetName
		}
		if x.RowIndex != y.RowIndex {
			return x.RowIndex < y.RowIndex
		}
		return x.FieldName < y.FieldName
	})
}

func fromSnapshot(wb *workbook.Workbook, snap *schema.Snapshot) []Item {
	var items []Item
	for _, u := range snap.Unknown {
		it := newItem(UnknownColumn, Severity(u.Severity), "", u.Column)
		it.SheetName = "" // schema problems are batch-level
		it.Message = fmt.Sprintf("column %q in sheet %q is not in the canonical catalog (%d non-empty cells)",
			u.Column, u.Sheet, u.NonEmptyCount)
		items = append(items, it)
	}
	for _, m := range snap.MissingRequired {
		it := newItem(MissingRequired, SeverityBlocker, "", m.Field)
		it.Message = fmt.Sprintf("required column %q is absent from every data sheet", m.Field)
		items = append(items, it)
	}
	for _, d := range snap.Drift {
		// Drift shares the unknown-column lane: the column is cataloged but
		// its observed shape says the catalog entry no longer fits.
		it := newItem(UnknownColumn, SeverityWarning, "", d.Column)
		it.Message = fmt.Sprintf("column %q declared %s but observed %s in sheet %q",
			d.Column, d.DeclaredType, d.ObservedShape, d.Sheet)
		items = append(items, it)
	}
	return items
}

func fromRows(wb *workbook.Workbook, ix *contract.Index, cat *schema.Catalog) []Item {
	var items []Item
	for _, entry := range ix.ListContracts() {
		for _, ref := range entry.Rows {
			row, ok := wb.RowAt(ref.Sheet, ref.Index)
			if !ok {
				continue
			}
			items = append(items, inspectRow(entry, row, cat)...)
		}
	}
	return items
}

func inspectRow(entry *contract.Entry, row workbook.Row, cat *schema.Catalog) []Item {
	var items []Item
	attach := func(it Item) {
		it.ContractKey = identity.Normalize(row.Get(workbook.FieldContractKey))
		it.RecordID = identity.Normalize(row.Get(workbook.FieldRecordID))
		it.SheetName = row.Sheet
		it.RowIndex = row.Index
		it.FileURL = entry.FileURL
		it.FileName = identity.Normalize(row.Get(workbook.FieldFileName))
		it.CanCreatePatch = true
		items = append(items, it)
	}

	if identity.IsBlank(row.Get(workbook.FieldDocumentType)) {
		it := newItem(DocumentTypeMissing, SeverityBlocker, entry.ID, workbook.FieldDocumentType)
		it.Message = "document_type is empty"
		attach(it)
	}

	for _, field := range cat.Required {
		if field == workbook.FieldDocumentType {
			continue // covered by the dedicated check above
		}
		if _, present := row.Cells[field]; !present {
			continue // sheet-level absence is reported by the schema snapshot
		}
		if identity.IsBlank(row.Get(field)) {
			it := newItem(MissingRequired, SeverityBlocker, entry.ID, field)
			it.Message = fmt.Sprintf("required field %q is empty", field)
			attach(it)
		}
	}

	for field := range cat.Picklists {
		v := identity.NormalizeCmp(row.Get(field))
		if v == "" {
			continue
		}
		if !cat.PicklistAllows(field, v) {
			it := newItem(PicklistInvalid, SeverityWarning, entry.ID, field)
			it.Message = fmt.Sprintf("value %q is not in the %s picklist", row.Get(field), field)
			attach(it)
		}
	}
	return items
}

// FromScanReport converts a batch-scan classification into at most one
// item: unreadable OCR output and mojibake block, missing searchable text
// warns, anything else is clean (nil).
func FromScanReport(entry *contract.Entry, mojibakeByReplacement, mojibake, nonSearchable bool, datasetID string) *Item {
	var it Item
	switch {
	case mojibakeByReplacement:
		it = newItem(OCRUnreadable, SeverityBlocker, entry.ID, workbook.FieldFileURL)
		it.Message = "OCR output is unreadable: replacement characters exceed threshold"
	case mojibake:
		it = newItem(Mojibake, SeverityBlocker, entry.ID, workbook.FieldFileURL)
		it.Message = "document text decodes to mojibake"
	case nonSearchable:
		it = newItem(TextNotSearchable, SeverityWarning, entry.ID, workbook.FieldFileURL)
		it.Message = "document has no searchable text"
	default:
		return nil
	}
	it.ContractKey = entry.Name
	it.FileURL = entry.FileURL
	it.SheetName = entry.FirstSheet
	if len(entry.Rows) > 0 {
		it.RowIndex = entry.Rows[0].Index
	}
	it.DatasetID = datasetID
	return &it
}

// SignalItem builds a LOW_CONFIDENCE item from a backend signal. Row-local
// heuristics never emit this type.
func SignalItem(contractID, field, message, datasetID string) Item {
	it := newItem(LowConfidence, SeverityWarning, contractID, field)
	it.Message = message
	it.DatasetID = datasetID
	return it
}

// BlockerCounts tallies open blocker-severity items per contract; the
// contract index uses it for ordering.
func BlockerCounts(items []Item) map[string]int {
	counts := make(map[string]int)
	for _, it := range items {
		if it.Severity == SeverityBlocker && it.Status == StatusOpen && it.ContractID != "" {
			counts[it.ContractID]++
		}
	}
	return counts
}
