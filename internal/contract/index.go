// Package contract groups workbook rows into contracts. The index holds
// only sheet names and row indices, never row handles; lookups go back
// through the workbook, which keeps rebuilds cheap and cycle-free.
package contract

import (
	"sort"
	"strings"

	"kiwidesk/api/internal/identity"
	"kiwidesk/api/internal/workbook"
)

// Orphan reason codes.
const (
	ReasonNoURL          = "no_url"
	ReasonNoName         = "no_name"
	ReasonNoKey          = "no_key"
	ReasonHeaderEchoLike = "header_echo_like"
)

// RowRef addresses a row by sheet name and 1-based index.
type RowRef struct {
	Sheet string `json:"sheet"`
	Index int    `json:"index"`
}

// Entry is one contract: its identity, display name, canonical file URL,
// and the rows that belong to it.
type Entry struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	FileURL    string   `json:"fileUrl"`
	FirstSheet string   `json:"firstSheet"`
	Rows       []RowRef `json:"rows"`

	// Blockers is filled in after pre-flight runs; it drives list ordering.
	Blockers int `json:"blockers"`
}

// Orphan is a data row that could not be assigned to any contract.
type Orphan struct {
	Row    RowRef `json:"row"`
	Reason string `json:"reason"`
}

// Index maps contract ids to entries plus the orphan list.
type Index struct {
	DatasetID string
	entries   map[string]*Entry
	order     []string // first-appearance order, for deterministic output
	orphans   []Orphan
	byRecord  map[string]RowRef
}

// Build iterates every data-sheet row in fixed order (sheet order first,
// then row order) and derives each row's contract identity: canonical URL,
// else canonical file name, else contract key, else orphan. Rebuilding from
// the same workbook produces identical output.
func Build(wb *workbook.Workbook) *Index {
	ix := &Index{
		DatasetID: wb.DatasetID,
		entries:   make(map[string]*Entry),
		byRecord:  make(map[string]RowRef),
	}
	for _, sheet := range wb.DataSheets() {
		// Double safety: the classifier already excludes these, but a
		// renamed sheet must never leak rows into contracts.
		lower := strings.ToLower(sheet.Name)
		if strings.Contains(lower, "_change_log") || strings.Contains(lower, "glossary") {
			continue
		}
		for _, row := range sheet.Rows {
			ref := RowRef{Sheet: sheet.Name, Index: row.Index}
			if rec := identity.NormalizeCmp(row.Get(workbook.FieldRecordID)); rec != "" {
				if _, seen := ix.byRecord[rec]; !seen {
					ix.byRecord[rec] = ref
				}
			}
			id, name, fileURL, reason := deriveIdentity(row)
			if id == "" {
				ix.orphans = append(ix.orphans, Orphan{Row: ref, Reason: reason})
				continue
			}
			entry, ok := ix.entries[id]
			if !ok {
				entry = &Entry{ID: id, Name: name, FileURL: fileURL, FirstSheet: sheet.Name}
				ix.entries[id] = entry
				ix.order = append(ix.order, id)
			}
			if entry.Name == "" {
				entry.Name = name
			}
			if entry.FileURL == "" {
				entry.FileURL = fileURL
			}
			entry.Rows = append(entry.Rows, ref)
		}
	}
	return ix
}

// deriveIdentity applies the precedence chain: URL, then file name, then
// contract key. A source is usable only when non-blank, not a header
// literal, and canonicalizable. An empty id means orphan; the reason names
// the highest-precedence source that failed, with header-like echoes
// reported as their own code.
func deriveIdentity(row workbook.Row) (id, name, fileURL, reason string) {
	rawURL := row.Get(workbook.FieldFileURL)
	rawName := row.Get(workbook.FieldFileName)
	rawKey := row.Get(workbook.FieldContractKey)

	displayName := identity.Normalize(rawName)
	if displayName == "" || identity.IsHeaderLike(rawName) {
		displayName = identity.Normalize(rawKey)
	}
	if identity.IsHeaderLike(displayName) {
		displayName = ""
	}

	if !identity.IsBlank(rawURL) && !identity.IsHeaderLike(rawURL) {
		if canonical := identity.CanonicalizeURL(rawURL); canonical != "" {
			return canonical, displayName, canonical, ""
		}
	}
	if !identity.IsBlank(rawName) && !identity.IsHeaderLike(rawName) {
		if canonical := identity.CanonicalizeName(rawName); canonical != "" {
			return canonical, displayName, "", ""
		}
	}
	if !identity.IsBlank(rawKey) && !identity.IsHeaderLike(rawKey) {
		if canonical := identity.CanonicalizeName(rawKey); canonical != "" {
			return canonical, displayName, "", ""
		}
	}

	switch {
	case identity.IsHeaderLike(rawURL) || identity.IsHeaderLike(rawName) || identity.IsHeaderLike(rawKey):
		reason = ReasonHeaderEchoLike
	case !identity.IsBlank(rawURL):
		reason = ReasonNoURL
	case !identity.IsBlank(rawName):
		reason = ReasonNoName
	default:
		reason = ReasonNoKey
	}
	return "", "", "", reason
}

// Get returns the entry for a contract id.
func (ix *Index) Get(id string) (*Entry, bool) {
	e, ok := ix.entries[id]
	return e, ok
}

// Len is the number of distinct contracts.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// ListContracts returns entries sorted by (blocker count desc, name asc).
func (ix *Index) ListContracts() []*Entry {
	out := make([]*Entry, 0, len(ix.order))
	for _, id := range ix.order {
		out = append(out, ix.entries[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Blockers != out[j].Blockers {
			return out[i].Blockers > out[j].Blockers
		}
		return sortName(out[i]) < sortName(out[j])
	})
	return out
}

func sortName(e *Entry) string {
	if e.Name != "" {
		return strings.ToLower(e.Name)
	}
	return e.ID
}

// Orphans returns the rows no contract claimed.
func (ix *Index) Orphans() []Orphan {
	return ix.orphans
}

// RecordRef returns the row holding a record id, if any.
func (ix *Index) RecordRef(recordID string) (RowRef, bool) {
	ref, ok := ix.byRecord[identity.NormalizeCmp(recordID)]
	return ref, ok
}

// SetBlockerCounts installs per-contract blocker counts after pre-flight.
// Unknown ids are ignored.
func (ix *Index) SetBlockerCounts(counts map[string]int) {
	for _, e := range ix.entries {
		e.Blockers = counts[e.ID]
	}
}
