package triage

import (
	"context"
	"encoding/json"
	"log"

	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/workbook"
)

// Resolution paths, in the order they are attempted.
const (
	PathExactRecord    = "exact_record"
	PathCanonicalStore = "canonical_store"
	PathSheetRow       = "sheet_row"
	PathContractField  = "contract_field"
	PathContractGrid   = "contract_grid"
	PathUnresolved     = "unresolved"
)

// RecordStore reads canonical record payloads persisted outside the
// workbook cache, keyed <tenant>/records/<dataset>/<record_id>.
type RecordStore interface {
	GetRecord(ctx context.Context, tenant, datasetID, recordID string) ([]byte, bool, error)
}

// Destination is where a triage item resolved to. Exactly one of the
// inspector fields (Sheet/RowIndex) or the grid filter (ContractID with
// path contract_grid) is meaningful; unresolved destinations carry
// Diagnostics instead.
type Destination struct {
	Path        string            `json:"path"`
	Sheet       string            `json:"sheet,omitempty"`
	RowIndex    int               `json:"rowIndex,omitempty"`
	FocusField  string            `json:"focusField,omitempty"`
	ContractID  string            `json:"contractId,omitempty"`
	Record      map[string]string `json:"record,omitempty"`
	Diagnostics map[string]any    `json:"diagnostics,omitempty"`
}

// Resolver turns a triage item into a navigation destination by trying a
// fixed chain of lookups against the live workbook, the canonical record
// store, and the contract index.
type Resolver struct {
	wb     *workbook.Workbook
	ix     *contract.Index
	store  RecordStore
	tenant string
	events EventSink
}

// NewResolver builds a resolver. store and events may be nil.
func NewResolver(wb *workbook.Workbook, ix *contract.Index, store RecordStore, tenant string, events EventSink) *Resolver {
	return &Resolver{wb: wb, ix: ix, store: store, tenant: tenant, events: events}
}

// Resolve walks the chain. Every attempted step is logged; exactly one
// resolved-path line is logged per call.
func (r *Resolver) Resolve(ctx context.Context, item Item, activeDatasetID string) Destination {
	if dest, ok := r.tryExactRecord(item); ok {
		log.Printf("route_resolved_record item=%s path=%s", item.ID, dest.Path)
		return dest
	}
	if dest, ok := r.tryCanonicalStore(ctx, item, activeDatasetID); ok {
		log.Printf("route_resolved_record item=%s path=%s", item.ID, dest.Path)
		return dest
	}
	if dest, ok := r.trySheetRow(item); ok {
		log.Printf("route_resolved_record item=%s path=%s", item.ID, dest.Path)
		return dest
	}
	if dest, ok := r.tryContractField(item); ok {
		log.Printf("route_resolved_record item=%s path=%s", item.ID, dest.Path)
		return dest
	}
	if dest, ok := r.tryContractGrid(item); ok {
		log.Printf("route_resolved_contract item=%s contract=%s", item.ID, item.ContractID)
		return dest
	}
	return r.unresolved(item, activeDatasetID)
}

func (r *Resolver) tryExactRecord(item Item) (Destination, bool) {
	log.Printf("route_attempt item=%s step=%s", item.ID, PathExactRecord)
	if item.RecordID == "" || r.wb == nil {
		return Destination{}, false
	}
	row, ok := r.wb.FindRecord(item.RecordID)
	if !ok {
		return Destination{}, false
	}
	return Destination{
		Path:       PathExactRecord,
		Sheet:      row.Sheet,
		RowIndex:   row.Index,
		FocusField: item.FieldName,
		ContractID: item.ContractID,
		Record:     row.Cells,
	}, true
}

func (r *Resolver) tryCanonicalStore(ctx context.Context, item Item, activeDatasetID string) (Destination, bool) {
	log.Printf("route_attempt item=%s step=%s", item.ID, PathCanonicalStore)
	if item.RecordID == "" || r.store == nil {
		return Destination{}, false
	}
	datasetID := item.DatasetID
	if datasetID == "" {
		datasetID = activeDatasetID
	}
	payload, found, err := r.store.GetRecord(ctx, r.tenant, datasetID, item.RecordID)
	if err != nil {
		log.Printf("route_store_error item=%s err=%v", item.ID, err)
		return Destination{}, false
	}
	if !found {
		return Destination{}, false
	}
	record := map[string]string{}
	if err := json.Unmarshal(payload, &record); err != nil {
		log.Printf("route_store_decode_error item=%s err=%v", item.ID, err)
		return Destination{}, false
	}
	return Destination{
		Path:       PathCanonicalStore,
		FocusField: item.FieldName,
		ContractID: item.ContractID,
		Record:     record,
	}, true
}

func (r *Resolver) trySheetRow(item Item) (Destination, bool) {
	log.Printf("route_attempt item=%s step=%s", item.ID, PathSheetRow)
	if item.SheetName == "" || item.RowIndex <= 0 || r.wb == nil {
		return Destination{}, false
	}
	row, ok := r.wb.RowAt(item.SheetName, item.RowIndex)
	if !ok {
		return Destination{}, false
	}
	return Destination{
		Path:       PathSheetRow,
		Sheet:      row.Sheet,
		RowIndex:   row.Index,
		FocusField: item.FieldName,
		ContractID: item.ContractID,
		Record:     row.Cells,
	}, true
}

func (r *Resolver) tryContractField(item Item) (Destination, bool) {
	log.Printf("route_attempt item=%s step=%s", item.ID, PathContractField)
	if item.ContractID == "" || r.ix == nil {
		return Destination{}, false
	}
	entry, ok := r.ix.Get(item.ContractID)
	if !ok || len(entry.Rows) == 0 {
		return Destination{}, false
	}
	ref := entry.Rows[0]
	dest := Destination{
		Path:       PathContractField,
		Sheet:      ref.Sheet,
		RowIndex:   ref.Index,
		FocusField: item.FieldName,
		ContractID: item.ContractID,
	}
	if r.wb != nil {
		if row, found := r.wb.RowAt(ref.Sheet, ref.Index); found {
			dest.Record = row.Cells
		}
	}
	return dest, true
}

// tryContractGrid fires on any non-empty contract id, indexed or not; the
// grid shows its own empty state for contracts with zero matching rows.
func (r *Resolver) tryContractGrid(item Item) (Destination, bool) {
	log.Printf("route_attempt item=%s step=%s", item.ID, PathContractGrid)
	if item.ContractID == "" {
		return Destination{}, false
	}
	return Destination{Path: PathContractGrid, ContractID: item.ContractID}, true
}

func (r *Resolver) unresolved(item Item, activeDatasetID string) Destination {
	log.Printf("route_unresolved_modal item=%s", item.ID)
	if r.events != nil {
		r.events.Emit("triage_record_unresolved", map[string]any{
			"item_id": item.ID, "record_id": item.RecordID, "contract_id": item.ContractID,
		})
	}
	return Destination{
		Path: PathUnresolved,
		Diagnostics: map[string]any{
			"reason":         "no_match_found",
			"item_id":        item.ID,
			"item_dataset":   item.DatasetID,
			"active_dataset": activeDatasetID,
			"record_id":      item.RecordID,
			"contract_id":    item.ContractID,
			"sheet_name":     item.SheetName,
			"row_index":      item.RowIndex,
			"field_name":     item.FieldName,
			"source_file":    item.SourceFile,
		},
	}
}
