// triagectl is the offline preview tool: it applies a patch file to a base
// workbook and writes the standardized result plus a QA report, without a
// running server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kiwidesk/api/internal/analytics"
	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/preflight"
	"kiwidesk/api/internal/schema"
	"kiwidesk/api/internal/workbook"
)

// PatchEntry is one line of the --patch file: a field override addressed by
// record id, or by sheet and row when the record id is absent.
type PatchEntry struct {
	RecordID   string `json:"recordId"`
	SheetName  string `json:"sheetName"`
	RowIndex   int    `json:"rowIndex"`
	FieldName  string `json:"fieldName"`
	AfterValue string `json:"afterValue"`
}

// QAReport is the --qa output payload.
type QAReport struct {
	DatasetID      string             `json:"datasetId"`
	SourceFile     string             `json:"sourceFile"`
	PatchesApplied int                `json:"patchesApplied"`
	PatchesMissed  int                `json:"patchesMissed"`
	Preflight      []preflight.Item   `json:"preflight"`
	Analytics      analytics.Snapshot `json:"analytics"`
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		basePath         string
		patchPath        string
		standardizedName string
		qaName           string
		outDir           string
	)

	cmd := &cobra.Command{
		Use:           "triagectl",
		Short:         "Offline workbook standardization preview",
		Long:          "Parses a base workbook, applies a patch file, and writes the standardized workbook and a QA report.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(basePath, patchPath, standardizedName, qaName, outDir)
		},
	}

	cmd.Flags().StringVar(&basePath, "base", "", "base workbook file (.xlsx or .csv)")
	cmd.Flags().StringVar(&patchPath, "patch", "", "JSON file with patch entries (optional)")
	cmd.Flags().StringVar(&standardizedName, "standardized", "standardized.json", "output name for the standardized workbook")
	cmd.Flags().StringVar(&qaName, "qa", "qa_report.json", "output name for the QA report")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

func run(basePath, patchPath, standardizedName, qaName, outDir string) error {
	data, err := os.ReadFile(basePath)
	if err != nil {
		return fmt.Errorf("read base workbook: %w", err)
	}
	wb, err := workbook.LoadFromBytes(data, filepath.Base(basePath), nil)
	if err != nil {
		return fmt.Errorf("parse workbook: %w", err)
	}

	var entries []PatchEntry
	if patchPath != "" {
		raw, err := os.ReadFile(patchPath)
		if err != nil {
			return fmt.Errorf("read patch file: %w", err)
		}
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("parse patch file: %w", err)
		}
	}
	applied, missed := applyPatches(wb, entries)

	ix := contract.Build(wb)
	catalog := schema.DefaultCatalog()
	snap := schema.Build(wb, catalog)
	items := preflight.Detect(wb, ix, snap, catalog)
	ix.SetBlockerCounts(preflight.BlockerCounts(items))

	metrics := analytics.NewCache()
	metrics.Recompute(analytics.Inputs{Workbook: wb, Index: ix, Schema: snap, Preflight: items})

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeJSONFile(filepath.Join(outDir, standardizedName), wb); err != nil {
		return err
	}
	report := QAReport{
		DatasetID:      wb.DatasetID,
		SourceFile:     wb.SourceFile,
		PatchesApplied: applied,
		PatchesMissed:  missed,
		Preflight:      items,
		Analytics:      metrics.Snapshot(),
	}
	if err := writeJSONFile(filepath.Join(outDir, qaName), report); err != nil {
		return err
	}

	fmt.Printf("standardized %d sheets, %d records; %d patches applied, %d findings\n",
		len(wb.Order), wb.RecordsTotal(), applied, len(items))
	return nil
}

// applyPatches mutates workbook cells in place. Entries address a row by
// record id first, then by sheet and 1-based row index.
func applyPatches(wb *workbook.Workbook, entries []PatchEntry) (applied, missed int) {
	for _, e := range entries {
		if e.FieldName == "" {
			missed++
			continue
		}
		row, ok := findRow(wb, e)
		if !ok {
			missed++
			continue
		}
		wb.Sheets[row.Sheet].Rows[rowSlot(wb, row)].Cells[e.FieldName] = e.AfterValue
		applied++
	}
	return applied, missed
}

func findRow(wb *workbook.Workbook, e PatchEntry) (workbook.Row, bool) {
	if e.RecordID != "" {
		return wb.FindRecord(e.RecordID)
	}
	if e.SheetName != "" && e.RowIndex > 0 {
		return wb.RowAt(e.SheetName, e.RowIndex)
	}
	return workbook.Row{}, false
}

// rowSlot maps a row back to its slice position in the sheet.
func rowSlot(wb *workbook.Workbook, row workbook.Row) int {
	for i, r := range wb.Sheets[row.Sheet].Rows {
		if r.Index == row.Index {
			return i
		}
	}
	return 0
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
