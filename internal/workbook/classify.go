package workbook

import "strings"

// Kind labels a sheet for record counting and pre-flight gating.
type Kind string

const (
	KindData      Kind = "data"
	KindMeta      Kind = "meta"
	KindReference Kind = "reference"
)

// Classify labels a sheet by name. Change-log sheets are meta; glossaries,
// reference tables and the analyst-notes sheet are reference; everything
// else holds records.
func Classify(name string) Kind {
	lower := strings.ToLower(strings.TrimSpace(name))
	if strings.Contains(lower, "_change_log") {
		return KindMeta
	}
	if strings.HasPrefix(lower, "glossary") ||
		strings.HasSuffix(lower, "_reference") ||
		lower == "rfis & analyst notes" {
		return KindReference
	}
	return KindData
}
