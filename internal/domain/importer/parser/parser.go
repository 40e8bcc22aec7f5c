// Package parser turns uploaded spreadsheet bytes into ordered flat records.
// It handles CSV and XLSX workbooks; field contents are passed through
// untouched — validation is a later stage's job.
package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
)

// ErrEmptyFile is returned when a file produces zero data rows.
var ErrEmptyFile = errors.New("file contains no data rows")

// TooManyRowsError is returned when a file exceeds the configured row
// ceiling. The ceiling is policy, not architecture: call sites configure it.
type TooManyRowsError struct {
	Rows  int
	Limit int
}

func (e *TooManyRowsError) Error() string {
	return fmt.Sprintf("file has %d rows, exceeding the limit of %d", e.Rows, e.Limit)
}

// UnsupportedFileTypeError is returned for MIME types the ingestor cannot
// dispatch.
type UnsupportedFileTypeError struct {
	MimeType string
}

func (e *UnsupportedFileTypeError) Error() string {
	return fmt.Sprintf("unsupported file type %q", e.MimeType)
}

// Ingestor parses uploaded file bytes into flat records.
type Ingestor struct {
	maxRows int
}

// NewIngestor creates an ingestor with the given row ceiling.
func NewIngestor(maxRows int) *Ingestor {
	return &Ingestor{maxRows: maxRows}
}

// Ingest dispatches on MIME type and returns the ordered data rows. Row
// numbers are 1-based and exclude the header.
func (i *Ingestor) Ingest(data []byte, mimeType string) ([]*record.FlatRecord, error) {
	switch baseMime(mimeType) {
	case "text/csv", "application/csv", "text/plain":
		return i.parseCSV(data)
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel":
		return i.parseExcel(data)
	default:
		return nil, &UnsupportedFileTypeError{MimeType: mimeType}
	}
}

// parseCSV reads comma- or semicolon-delimited text with a mandatory header
// row. Empty lines are skipped; cell values are trimmed.
func (i *Ingestor) parseCSV(data []byte) ([]*record.FlatRecord, error) {
	normalized := normalizeCSVBytes(data)

	if headers, ok := templateHeaders(normalized); ok {
		return i.parseTemplate(normalized, headers)
	}

	reader := csv.NewReader(bytes.NewReader(normalized))
	reader.Comma = detectDelimiter(normalized)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headerRow, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}
	headers := make([]string, len(headerRow))
	for j, h := range headerRow {
		headers[j] = strings.TrimSpace(h)
	}

	var records []*record.FlatRecord
	rowNum := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", rowNum+1, err)
		}
		if isEmptyRow(row) {
			continue
		}
		rowNum++

		r := record.New()
		r.Row = rowNum
		for j, h := range headers {
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

func (i *Ingestor) checkBounds(records []*record.FlatRecord) ([]*record.FlatRecord, error) {
	if len(records) == 0 {
		return nil, ErrEmptyFile
	}
	if i.maxRows > 0 && len(records) > i.maxRows {
		return nil, &TooManyRowsError{Rows: len(records), Limit: i.maxRows}
	}
	return records, nil
}

// detectDelimiter picks the delimiter with the most occurrences in the
// header line; Chilean exports commonly use semicolons.
func detectDelimiter(data []byte) rune {
	line := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		line = data[:idx]
	}
	best, count := ',', bytes.Count(line, []byte(","))
	for _, cand := range []byte{';', '\t', '|'} {
		if c := bytes.Count(line, []byte{cand}); c > count {
			best, count = rune(cand), c
		}
	}
	return best
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func baseMime(mimeType string) string {
	m := strings.TrimSpace(strings.ToLower(mimeType))
	if idx := strings.IndexByte(m, ';'); idx >= 0 {
		m = m[:idx]
	}
	return strings.TrimSpace(m)
}

// normalizeCSVBytes strips a UTF-8 BOM and falls back to latin-1 decoding
// for files saved by older spreadsheet tools.
func normalizeCSVBytes(data []byte) []byte {
	data = stripUTF8BOM(data)
	if utf8.Valid(data) {
		return data
	}
	return decodeLatin1(data)
}

func stripUTF8BOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

func decodeLatin1(data []byte) []byte {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return []byte(string(runes))
}
