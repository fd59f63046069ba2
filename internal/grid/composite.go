// Package grid builds the two table view-models: the per-contract
// composite grid and the contract health table. Both are pure projections
// of the workbook, index and triage state; rendering happens elsewhere.
package grid

import (
	"fmt"
	"strings"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/identity"
	"kiwidesk/api/internal/workbook"
)

// statusFields is checked in order; the first non-empty cell wins.
var statusFields = []string{"status", "Status", "sf_contract_status", "review_state", "Review_State"}

// Chip buckets for row status values.
const (
	ChipReady       = "ready"
	ChipNeedsReview = "needs_review"
	ChipBlocked     = "blocked"
)

var chipByStatus = map[string]string{
	"ready":     ChipReady,
	"active":    ChipReady,
	"approved":  ChipReady,
	"applied":   ChipReady,
	"complete":  ChipReady,
	"completed": ChipReady,
	"executed":  ChipReady,
	"signed":    ChipReady,
	"blocked":   ChipBlocked,
	"rejected":  ChipBlocked,
	"on hold":   ChipBlocked,
	"on_hold":   ChipBlocked,
	"hold":      ChipBlocked,
}

// RowStatus reads the row's status from the first non-empty candidate field.
func RowStatus(row workbook.Row) string {
	for _, f := range statusFields {
		if v := strings.TrimSpace(row.Get(f)); v != "" {
			return v
		}
	}
	return ""
}

// ChipFor buckets a raw status value. Unknown and empty values need review.
func ChipFor(status string) string {
	if chip, ok := chipByStatus[identity.NormalizeCmp(status)]; ok {
		return chip
	}
	return ChipNeedsReview
}

// CompositeRow is one record inside a composite section.
type CompositeRow struct {
	Sheet    string `json:"sheet"`
	RowIndex int    `json:"rowIndex"`
	RecordID string `json:"recordId"`
	Status   string `json:"status"`
	Chip     string `json:"chip"`
}

// CompositeSection is one data sheet's slice of the filtered contract.
type CompositeSection struct {
	Sheet       string         `json:"sheet"`
	Rows        []CompositeRow `json:"rows"`
	Ready       int            `json:"ready"`
	NeedsReview int            `json:"needsReview"`
	Blocked     int            `json:"blocked"`
	Expanded    bool           `json:"expanded"`
}

// Composite is the multi-sheet view shown when a contract filter is set
// and no specific sheet is selected.
type Composite struct {
	ContractID   string             `json:"contractId"`
	ContractName string             `json:"contractName"`
	Sections     []CompositeSection `json:"sections"`
	MatchingRows int                `json:"matchingRows"`
	TotalRows    int                `json:"totalRows"`
}

// BuildComposite assembles sections in workbook order, one per data sheet
// that holds rows for the contract. A nil filter keeps every row.
func BuildComposite(wb *workbook.Workbook, ix *contract.Index, contractID string, keep func(workbook.Row) bool) *Composite {
	comp := &Composite{ContractID: contractID, TotalRows: wb.RecordsTotal()}
	entry, ok := ix.Get(contractID)
	if !ok {
		return comp
	}
	comp.ContractName = entry.Name

	rowsBySheet := make(map[string][]contract.RowRef, len(entry.Rows))
	for _, ref := range entry.Rows {
		rowsBySheet[ref.Sheet] = append(rowsBySheet[ref.Sheet], ref)
	}

	for _, sheet := range wb.DataSheets() {
		refs := rowsBySheet[sheet.Name]
		if len(refs) == 0 {
			continue
		}
		section := CompositeSection{Sheet: sheet.Name, Expanded: true}
		for _, ref := range refs {
			row, found := wb.RowAt(ref.Sheet, ref.Index)
			if !found {
				continue
			}
			if keep != nil && !keep(row) {
				continue
			}
			status := RowStatus(row)
			chip := ChipFor(status)
			section.Rows = append(section.Rows, CompositeRow{
				Sheet:    row.Sheet,
				RowIndex: row.Index,
				RecordID: row.Get(workbook.FieldRecordID),
				Status:   status,
				Chip:     chip,
			})
			switch chip {
			case ChipReady:
				section.Ready++
			case ChipBlocked:
				section.Blocked++
			default:
				section.NeedsReview++
			}
		}
		comp.Sections = append(comp.Sections, section)
		comp.MatchingRows += len(section.Rows)
	}
	return comp
}

// SetAllExpanded applies the Expand All / Collapse All control.
func (c *Composite) SetAllExpanded(expanded bool) {
	for i := range c.Sections {
		c.Sections[i].Expanded = expanded
	}
}

// Footer renders the record count line shown under the composite.
func (c *Composite) Footer() string {
	return fmt.Sprintf("{%d,%d} records (composite: %d sheets)",
		c.MatchingRows, c.TotalRows, len(c.Sections))
}
