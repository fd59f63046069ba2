package workbook

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// LoadFromBytes parses an uploaded workbook file. Open Office XML workbooks
// go through excelize; anything ending in .csv is read as a single sheet
// named after the file. The first physical row of every sheet is its header.
func LoadFromBytes(data []byte, filename string, events EventSink) (*Workbook, error) {
	wb := New(DatasetIDFor(data, filename), filepath.Base(filename))
	if strings.EqualFold(filepath.Ext(filename), ".csv") {
		if err := loadCSV(wb, data, filename, events); err != nil {
			return nil, err
		}
		return wb, nil
	}
	if err := loadXLSX(wb, data, events); err != nil {
		return nil, err
	}
	return wb, nil
}

func loadXLSX(wb *Workbook, data []byte, events EventSink) error {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return fmt.Errorf("read sheet %q: %w", sheetName, err)
		}
		if len(rows) == 0 {
			wb.AddSheet(sheetName, nil, nil, events)
			continue
		}
		wb.AddSheet(sheetName, rows[0], rows[1:], events)
	}
	return nil
}

func loadCSV(wb *Workbook, data []byte, filename string, events EventSink) error {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv: %w", err)
		}
		records = append(records, record)
	}

	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if name == "" {
		name = "Sheet1"
	}
	if len(records) == 0 {
		wb.AddSheet(name, nil, nil, events)
		return nil
	}
	wb.AddSheet(name, records[0], records[1:], events)
	return nil
}
