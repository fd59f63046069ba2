// Package triage aggregates everything an analyst can act on (pre-flight
// findings, open patches, backend signals) and routes each item to the
// exact place it can be fixed.
package triage

import (
	"sort"
	"strings"
	"sync"

	"kiwidesk/api/internal/patch"
	"kiwidesk/api/internal/preflight"
	"kiwidesk/api/internal/workbook"
)

// Kind says which lane a triage item came from.
type Kind string

const (
	KindPreflight Kind = "preflight"
	KindPatch     Kind = "patch"
	KindSignal    Kind = "signal"
	KindSystem    Kind = "system"
)

// Item is the unified queue entry. Every item exposes the minimum routing
// tuple regardless of its lane.
type Item struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	RecordID   string `json:"recordId"`
	ContractID string `json:"contractId"`
	SheetName  string `json:"sheetName"`
	RowIndex   int    `json:"rowIndex"`
	FieldName  string `json:"fieldName"`
	DatasetID  string `json:"datasetId"`
	SourceFile string `json:"sourceFile"`

	Severity preflight.Severity `json:"severity,omitempty"`
	Status   string             `json:"status,omitempty"`
	Message  string             `json:"message,omitempty"`

	Preflight *preflight.Item `json:"preflight,omitempty"`
	Patch     *patch.Request  `json:"patch,omitempty"`
}

// EventSink receives triage lifecycle events.
type EventSink interface {
	Emit(eventType string, detail map[string]any)
}

// State is the aggregate with four slices: pre-flight findings, projected
// open patches, backend signals, and system notices.
type State struct {
	mu         sync.Mutex
	datasetID  string
	sourceFile string
	manual     []preflight.Item
	patchItems []Item
	signals    []Item
	system     []Item
	events     EventSink
}

// NewState builds an empty aggregate. events may be nil.
func NewState(events EventSink) *State {
	return &State{events: events}
}

// SetDataset switches the active workbook identity and purges items whose
// dataset no longer matches.
func (s *State) SetDataset(datasetID, sourceFile string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.datasetID == datasetID {
		s.sourceFile = sourceFile
		return
	}
	s.datasetID = datasetID
	s.sourceFile = sourceFile

	removed := 0
	kept := s.manual[:0]
	for _, it := range s.manual {
		if it.DatasetID == datasetID {
			kept = append(kept, it)
		} else {
			removed++
		}
	}
	s.manual = kept
	s.patchItems = nil
	s.signals = filterDataset(s.signals, datasetID, &removed)
	s.system = filterDataset(s.system, datasetID, &removed)

	if removed > 0 && s.events != nil {
		s.events.Emit("dataset_mismatch_purged", map[string]any{
			"active_dataset": datasetID, "removed": removed, "kind": "triage",
		})
	}
}

func filterDataset(items []Item, datasetID string, removed *int) []Item {
	kept := items[:0]
	for _, it := range items {
		if it.DatasetID == "" || it.DatasetID == datasetID {
			kept = append(kept, it)
		} else {
			*removed++
		}
	}
	return kept
}

// UpsertPreflight adds items, skipping any whose dedup key already exists
// with status open. Re-detection of a resolved or dismissed item reopens it
// in place, so a request id never appears twice. Returns the number added
// or reopened.
func (s *State) UpsertPreflight(items ...preflight.Item) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := make(map[string]int, len(s.manual))
	for i, existing := range s.manual {
		byKey[existing.DedupKey()] = i
	}
	added := 0
	for _, it := range items {
		if i, seen := byKey[it.DedupKey()]; seen {
			if s.manual[i].Status == preflight.StatusOpen {
				continue
			}
			s.manual[i] = it
			added++
			continue
		}
		byKey[it.DedupKey()] = len(s.manual)
		s.manual = append(s.manual, it)
		added++
	}
	return added
}

// SetItemStatus updates a pre-flight item's triage status by request id.
func (s *State) SetItemStatus(requestID string, status preflight.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.manual {
		if s.manual[i].RequestID == requestID {
			s.manual[i].Status = status
			return true
		}
	}
	return false
}

// ProjectPatches rebuilds the patch lane from open patch requests,
// excluding rows on meta/reference sheets and bookkeeping fields.
func (s *State) ProjectPatches(requests []*patch.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchItems = s.patchItems[:0]
	for _, req := range requests {
		if req.Status.IsTerminal() {
			continue
		}
		if excludedFromQueue(req.SheetName, req.FieldName) {
			continue
		}
		s.patchItems = append(s.patchItems, Item{
			ID:         req.RequestID,
			Kind:       KindPatch,
			RecordID:   req.RecordID,
			ContractID: req.ContractID,
			SheetName:  req.SheetName,
			FieldName:  req.FieldName,
			DatasetID:  req.DatasetID,
			Status:     string(req.Status),
			Message:    req.BeforeValue + " -> " + req.AfterValue,
			Patch:      req,
		})
	}
}

// excludedFromQueue hides rows the analyst cannot meaningfully patch.
func excludedFromQueue(sheetName, fieldName string) bool {
	if sheetName != "" && workbook.Classify(sheetName) != workbook.KindData {
		return true
	}
	return strings.HasPrefix(fieldName, "__meta") ||
		strings.HasPrefix(fieldName, "_glossary") ||
		fieldName == "_system" ||
		fieldName == "_internal"
}

// AddSignal appends a backend signal item.
func (s *State) AddSignal(it Item) {
	it.Kind = KindSignal
	s.mu.Lock()
	s.signals = append(s.signals, it)
	s.mu.Unlock()
}

var severityRank = map[preflight.Severity]int{
	preflight.SeverityBlocker: 0,
	preflight.SeverityWarning: 1,
	preflight.SeverityInfo:    2,
}

// PreflightItems returns the manual lane sorted by (severity desc,
// contract asc, sheet asc, field asc).
func (s *State) PreflightItems() []preflight.Item {
	s.mu.Lock()
	out := make([]preflight.Item, len(s.manual))
	copy(out, s.manual)
	s.mu.Unlock()

	sort.SliceStable(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if severityRank[x.Severity] != severityRank[y.Severity] {
			return severityRank[x.Severity] < severityRank[y.Severity]
		}
		if x.ContractID != y.ContractID {
			return x.ContractID < y.ContractID
		}
		if x.SheetName != y.SheetName {
			return x.SheetName < y.SheetName
		}
		return x.FieldName < y.FieldName
	})
	return out
}

// PatchItems returns the projected patch lane.
func (s *State) PatchItems() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.patchItems))
	copy(out, s.patchItems)
	return out
}

// Signals returns the signal lane.
func (s *State) Signals() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.signals))
	copy(out, s.signals)
	return out
}

// Items flattens every lane into queue entries: pre-flight first (sorted),
// then patches, then signals and system notices.
func (s *State) Items() []Item {
	pre := s.PreflightItems()

	s.mu.Lock()
	sourceFile := s.sourceFile
	var out []Item
	s.mu.Unlock()

	for i := range pre {
		p := pre[i]
		out = append(out, Item{
			ID:         p.RequestID,
			Kind:       KindPreflight,
			RecordID:   p.RecordID,
			ContractID: p.ContractID,
			SheetName:  p.SheetName,
			RowIndex:   p.RowIndex,
			FieldName:  p.FieldName,
			DatasetID:  p.DatasetID,
			SourceFile: sourceFile,
			Severity:   p.Severity,
			Status:     string(p.Status),
			Message:    p.Message,
			Preflight:  &p,
		})
	}
	out = append(out, s.PatchItems()...)
	out = append(out, s.Signals()...)

	s.mu.Lock()
	out = append(out, s.system...)
	s.mu.Unlock()
	return out
}
