package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
)

// parseExcel reads the first sheet of an XLSX workbook. The first row is the
// header; missing trailing cells are treated as empty strings.
func (i *Ingestor) parseExcel(data []byte) ([]*record.FlatRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}

	headers := make([]string, len(rows[0]))
	for j, h := range rows[0] {
		headers[j] = strings.TrimSpace(h)
	}

	var records []*record.FlatRecord
	rowNum := 0
	for _, row := range rows[1:] {
		if isEmptyRow(row) {
			continue
		}
		rowNum++

		r := record.New()
		r.Row = rowNum
		for j, h := range headers {
			if h == "" {
				continue
			}
			value := ""
			if j < len(row) {
				value = strings.TrimSpace(row[j])
			}
			r.Set(h, value)
		}
		records = append(records, r)
	}

	return i.checkBounds(records)
}
