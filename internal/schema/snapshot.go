package schema

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"kiwidesk/api/internal/identity"
	"kiwidesk/api/internal/workbook"
)

// Severity grades an unknown column by how much data sits in it.
type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// UnknownColumn is a column present in a data sheet but absent from the
// canonical catalog.
type UnknownColumn struct {
	Column        string
	Sheet         string
	NonEmptyCount int
	Severity      Severity
}

// MissingRequired is a canonical required column absent from every data
// sheet.
type MissingRequired struct {
	Field string
}

// Drift is a column whose declared type disagrees with the observed cell
// shape.
type Drift struct {
	Column        string
	Sheet         string
	DeclaredType  string
	ObservedShape string
}

// Snapshot is the derived schema state of one workbook.
type Snapshot struct {
	Unknown         []UnknownColumn
	MissingRequired []MissingRequired
	Drift           []Drift
}

// Counts returns the three headline numbers.
func (s *Snapshot) Counts() (unknown, missing, drift int) {
	return len(s.Unknown), len(s.MissingRequired), len(s.Drift)
}

// Build derives the snapshot from the workbook and catalog. Output order is
// deterministic: sheets in workbook order, columns sorted within a sheet.
func Build(wb *workbook.Workbook, cat *Catalog) *Snapshot {
	snap := &Snapshot{}
	seenColumns := make(map[string]struct{})

	for _, sheet := range wb.DataSheets() {
		var unknownHere []UnknownColumn
		var driftHere []Drift
		for _, col := range sheet.Headers {
			if col == "" {
				continue
			}
			seenColumns[col] = struct{}{}
			nonEmpty := nonEmptyCount(sheet, col)
			if !cat.Known(col) {
				unknownHere = append(unknownHere, UnknownColumn{
					Column:        col,
					Sheet:         sheet.Name,
					NonEmptyCount: nonEmpty,
					Severity:      unknownSeverity(nonEmpty, cat.Thresholds.UnknownColumnBlock),
				})
				continue
			}
			declared := cat.Columns[col].Type
			if declared == "" || declared == "string" || nonEmpty == 0 {
				continue
			}
			observed := observedShape(sheet, col)
			if observed != "" && observed != declared {
				driftHere = append(driftHere, Drift{
					Column:        col,
					Sheet:         sheet.Name,
					DeclaredType:  declared,
					ObservedShape: observed,
				})
			}
		}
		sort.Slice(unknownHere, func(i, j int) bool { return unknownHere[i].Column < unknownHere[j].Column })
		sort.Slice(driftHere, func(i, j int) bool { return driftHere[i].Column < driftHere[j].Column })
		snap.Unknown = append(snap.Unknown, unknownHere...)
		snap.Drift = append(snap.Drift, driftHere...)
	}

	for _, field := range cat.Required {
		if _, ok := seenColumns[field]; !ok {
			snap.MissingRequired = append(snap.MissingRequired, MissingRequired{Field: field})
		}
	}
	return snap
}

func unknownSeverity(nonEmpty, block int) Severity {
	switch {
	case nonEmpty >= block:
		return SeverityBlocker
	case nonEmpty >= 1:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func nonEmptyCount(sheet *workbook.Sheet, col string) int {
	n := 0
	for _, row := range sheet.Rows {
		if !identity.IsBlank(row.Get(col)) {
			n++
		}
	}
	return n
}

// observedShape inspects all non-blank cells of a column. A shape is
// reported only when every cell agrees on it.
func observedShape(sheet *workbook.Sheet, col string) string {
	shape := ""
	for _, row := range sheet.Rows {
		v := row.Get(col)
		if identity.IsBlank(v) {
			continue
		}
		s := cellShape(v)
		if shape == "" {
			shape = s
			continue
		}
		if shape != s {
			return "string"
		}
	}
	return shape
}

func cellShape(v string) string {
	v = strings.TrimSpace(v)
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return "number"
	}
	for _, layout := range []string{"2006-01-02", "01/02/2006", "2006/01/02", time.RFC3339} {
		if _, err := time.Parse(layout, v); err == nil {
			return "date"
		}
	}
	return "string"
}
