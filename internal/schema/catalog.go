// Package schema holds the canonical field catalog and derives the schema
// snapshot of a workbook: unknown columns, missing required fields, and
// declared-versus-observed type drift.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Column declares a canonical column and its expected cell shape.
type Column struct {
	Type string `yaml:"type"` // string, number, date
}

// Thresholds are numerical tuning knobs. They live in configuration, not
// code.
type Thresholds struct {
	// UnknownColumnBlock is the non-empty cell count at which an unknown
	// column becomes a blocker rather than a warning.
	UnknownColumnBlock int `yaml:"unknown_column_block"`
}

// Catalog is the canonical schema: which columns exist, which are required,
// and which values picklist fields accept.
type Catalog struct {
	Required   []string            `yaml:"required"`
	Columns    map[string]Column   `yaml:"columns"`
	Picklists  map[string][]string `yaml:"picklists"`
	Thresholds Thresholds          `yaml:"thresholds"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Required: []string{"contract_key", "file_url", "document_type", "status"},
		Columns: map[string]Column{
			"contract_key":   {Type: "string"},
			"contract_id":    {Type: "string"},
			"file_url":       {Type: "string"},
			"file_name":      {Type: "string"},
			"record_id":      {Type: "string"},
			"document_type":  {Type: "string"},
			"status":         {Type: "string"},
			"effective_date": {Type: "date"},
			"expiry_date":    {Type: "date"},
			"contract_value": {Type: "number"},
		},
		Picklists: map[string][]string{
			"document_type": {"msa", "sow", "amendment", "order_form", "nda"},
			"status":        {"ready", "needs_review", "blocked"},
		},
		Thresholds: Thresholds{UnknownColumnBlock: 3},
	}
}

// LoadCatalog reads a catalog YAML file. Fields the file omits fall back to
// defaults so a partial catalog is still usable.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	cat := DefaultCatalog()
	if err := yaml.Unmarshal(data, cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if cat.Thresholds.UnknownColumnBlock <= 0 {
		cat.Thresholds.UnknownColumnBlock = 3
	}
	return cat, nil
}

// Known reports whether a column is in the canonical catalog.
func (c *Catalog) Known(column string) bool {
	_, ok := c.Columns[column]
	return ok
}

// Picklist returns the allowed values for a field, nil when unconstrained.
func (c *Catalog) Picklist(field string) []string {
	return c.Picklists[field]
}

// PicklistAllows reports whether a value is acceptable for a picklist field.
// Unconstrained fields allow everything.
func (c *Catalog) PicklistAllows(field, value string) bool {
	allowed, ok := c.Picklists[field]
	if !ok {
		return true
	}
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}
