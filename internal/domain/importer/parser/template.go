package parser

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
)

// templateRow mirrors the downloadable import template, whose headers are
// the canonical field keys. Everything stays a string here; typing happens
// in the validator.
type templateRow struct {
	RUT              string `csv:"rut"`
	FullName         string `csv:"full_name"`
	Amount           string `csv:"amount"`
	DueDate          string `csv:"due_date"`
	CounterpartyName string `csv:"counterparty_name"`
	ContactEmail     string `csv:"contact_email"`
	ContactPhone     string `csv:"contact_phone"`
	Reference        string `csv:"reference"`
	Category         string `csv:"category"`
	InterestRate     string `csv:"interest_rate"`
	Description      string `csv:"description"`
}

func (t *templateRow) toMap() map[string]string {
	return map[string]string{
		record.FieldRUT:              strings.TrimSpace(t.RUT),
		record.FieldFullName:         strings.TrimSpace(t.FullName),
		record.FieldAmount:           strings.TrimSpace(t.Amount),
		record.FieldDueDate:          strings.TrimSpace(t.DueDate),
		record.FieldCounterpartyName: strings.TrimSpace(t.CounterpartyName),
		record.FieldContactEmail:     strings.TrimSpace(t.ContactEmail),
		record.FieldContactPhone:     strings.TrimSpace(t.ContactPhone),
		record.FieldReference:        strings.TrimSpace(t.Reference),
		record.FieldCategory:         strings.TrimSpace(t.Category),
		record.FieldInterestRate:     strings.TrimSpace(t.InterestRate),
		record.FieldDescription:      strings.TrimSpace(t.Description),
	}
}

// templateHeaders reports whether the file uses the import template's
// headers verbatim: comma-delimited, every header a canonical key, all
// required keys present. Only then is the typed fast path safe.
func templateHeaders(data []byte) ([]string, bool) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	row, err := reader.Read()
	if err != nil {
		return nil, false
	}

	known := make(map[string]bool)
	for _, f := range record.KnownFields() {
		known[f] = true
	}

	headers := make([]string, 0, len(row))
	present := make(map[string]bool, len(row))
	for _, h := range row {
		h = strings.TrimSpace(h)
		if !known[h] || present[h] {
			return nil, false
		}
		headers = append(headers, h)
		present[h] = true
	}
	for _, f := range record.RequiredFields() {
		if !present[f] {
			return nil, false
		}
	}
	return headers, true
}

// parseTemplate decodes a template-shaped file through gocsv's typed
// unmarshal instead of the generic header walk.
func (i *Ingestor) parseTemplate(data []byte, headers []string) ([]*record.FlatRecord, error) {
	var rows []*templateRow
	if err := gocsv.UnmarshalCSV(templateReader(bytes.NewReader(data)), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode template file: %w", err)
	}

	var records []*record.FlatRecord
	rowNum := 0
	for _, row := range rows {
		values := row.toMap()
		empty := true
		for _, h := range headers {
			if values[h] != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		rowNum++

		r := record.New()
		r.Row = rowNum
		for _, h := range headers {
			r.Set(h, values[h])
		}
		records = append(records, r)
	}

	return i.checkBounds(records)
}

func templateReader(in io.Reader) gocsv.CSVReader {
	reader := csv.NewReader(in)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	return reader
}
