package reports

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ExcelExporter is a report row that can be written as one spreadsheet row.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

const exportSheet = "Sheet1"

// exportExcel writes headings and rows to a single-sheet xlsx workbook.
func exportExcel[T ExcelExporter](rows []T, headings ...string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, err
		}
	}
	if len(headings) > 0 {
		style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return nil, err
		}
		last, _ := excelize.CoordinatesToCellName(len(headings), 1)
		if err := f.SetCellStyle(exportSheet, "A1", last, style); err != nil {
			return nil, err
		}
	}

	for r, row := range rows {
		for c, value := range row.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(exportSheet, cell, value); err != nil {
				return nil, fmt.Errorf("row %d: %w", r+1, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
