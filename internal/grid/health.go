package grid

import (
	"sort"
	"strconv"
	"strings"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/preflight"
)

// BatchParentID marks the synthetic parent that groups batch-level items.
const BatchParentID = "__batch__"

// HealthChild is one pre-flight item rendered under its parent contract.
type HealthChild struct {
	RequestID string                `json:"requestId"`
	Section   string                `json:"section"`
	Reference string                `json:"reference"`
	Reason    string                `json:"reason"`
	Tooltip   string                `json:"tooltip"`
	Severity  preflight.Severity    `json:"severity"`
	Status    preflight.Status      `json:"status"`
	Type      preflight.BlockerType `json:"blockerType"`
}

// HealthParent is one contract row (or the batch-level row) with its items.
type HealthParent struct {
	ContractID string        `json:"contractId"`
	Name       string        `json:"name"`
	Source     string        `json:"source"`
	Blockers   int           `json:"blockers"`
	Warnings   int           `json:"warnings"`
	Children   []HealthChild `json:"children"`
	Collapsed  bool          `json:"collapsed"`
}

// HealthTable is the unified parent/child issue table.
type HealthTable struct {
	Parents           []HealthParent `json:"parents"`
	AffectedContracts int            `json:"affectedContracts"`
	TotalIssues       int            `json:"totalIssues"`
}

var reasonLabels = map[preflight.BlockerType]string{
	preflight.UnknownColumn:       "Unknown column",
	preflight.OCRUnreadable:       "OCR unreadable",
	preflight.TextNotSearchable:   "Text not searchable",
	preflight.LowConfidence:       "Low confidence",
	preflight.Mojibake:            "Garbled text",
	preflight.DocumentTypeMissing: "Document type missing",
	preflight.MissingRequired:     "Missing required field",
	preflight.PicklistInvalid:     "Invalid picklist value",
}

// ReasonLabel is the human chip text for a blocker type.
func ReasonLabel(t preflight.BlockerType) string {
	if label, ok := reasonLabels[t]; ok {
		return label
	}
	return string(t)
}

// BuildHealthTable groups items under their contracts, adds a synthetic
// batch parent for items with no contract, and sorts parents by
// (blockers desc, warnings desc, name asc) with the batch parent last.
func BuildHealthTable(ix *contract.Index, items []preflight.Item) *HealthTable {
	byContract := make(map[string]*HealthParent)
	var order []string

	parentFor := func(id string) *HealthParent {
		if p, ok := byContract[id]; ok {
			return p
		}
		p := &HealthParent{ContractID: id}
		if id == BatchParentID {
			p.Name = "Batch-level Issues"
			p.Source = "batch"
		} else if entry, ok := ix.Get(id); ok {
			p.Name = entry.Name
			p.Source = entry.FirstSheet
		} else {
			p.Name = id
		}
		byContract[id] = p
		order = append(order, id)
		return p
	}

	table := &HealthTable{}
	for _, it := range items {
		id := it.ContractID
		if id == "" {
			id = BatchParentID
		}
		p := parentFor(id)
		if p.Source == "" && it.SheetName != "" {
			p.Source = it.SheetName
		}
		ref := it.RecordID
		if ref == "" && it.RowIndex > 0 {
			ref = "row " + strconv.Itoa(it.RowIndex)
		}
		p.Children = append(p.Children, HealthChild{
			RequestID: it.RequestID,
			Section:   it.SheetName,
			Reference: ref,
			Reason:    ReasonLabel(it.Type),
			Tooltip:   it.Message,
			Severity:  it.Severity,
			Status:    it.Status,
			Type:      it.Type,
		})
		switch it.Severity {
		case preflight.SeverityBlocker:
			p.Blockers++
		case preflight.SeverityWarning:
			p.Warnings++
		}
		table.TotalIssues++
	}

	for _, id := range order {
		table.Parents = append(table.Parents, *byContract[id])
		if id != BatchParentID {
			table.AffectedContracts++
		}
	}
	sort.SliceStable(table.Parents, func(a, b int) bool {
		x, y := table.Parents[a], table.Parents[b]
		if (x.ContractID == BatchParentID) != (y.ContractID == BatchParentID) {
			return y.ContractID == BatchParentID
		}
		if x.Blockers != y.Blockers {
			return x.Blockers > y.Blockers
		}
		if x.Warnings != y.Warnings {
			return x.Warnings > y.Warnings
		}
		return strings.ToLower(x.Name) < strings.ToLower(y.Name)
	})
	return table
}

// ToggleParent flips one parent's collapse state, leaving the rest alone.
func (t *HealthTable) ToggleParent(contractID string) {
	for i := range t.Parents {
		if t.Parents[i].ContractID == contractID {
			t.Parents[i].Collapsed = !t.Parents[i].Collapsed
			return
		}
	}
}
