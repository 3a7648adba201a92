package textextract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractXLSX renders each sheet as pipe-delimited table rows, grounded on
// bbiangul-go-reason's XLSXParser.Parse.
func extractXLSX(data []byte) (Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var tables []Table
	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		var content strings.Builder
		for _, row := range rows {
			content.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		tables = append(tables, Table{Heading: sheet, Rows: rows})
		sb.WriteString(sheet + "\n")
		sb.WriteString(content.String())
		sb.WriteString("\n")
	}

	return Result{
		Text:    strings.TrimSpace(sb.String()),
		DocType: "xlsx",
		Tables:  tables,
	}, nil
}
