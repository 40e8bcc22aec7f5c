// Package mapper infers how arbitrary spreadsheet column headers map onto
// the canonical field vocabulary. Matching is deliberately greedy: the
// operator can override anything before the import runs.
package mapper

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
)

// FieldMapping maps canonical field key -> source column header. Absent keys
// are unmapped; values are always a subset of the file's actual headers.
type FieldMapping map[string]string

// synonyms lists known header substrings per canonical field, in the
// pipeline's operating locale. Order matters: earlier entries are the more
// specific spellings.
var synonyms = map[string][]string{
	record.FieldRUT:              {"rut", "run", "dni", "identificacion", "identificación", "cedula", "cédula"},
	record.FieldFullName:         {"nombre completo", "nombre", "deudor", "cliente", "razon social", "razón social", "name"},
	record.FieldAmount:           {"monto", "deuda", "importe", "valor", "capital", "amount", "saldo"},
	record.FieldDueDate:          {"fecha vencimiento", "fecha de vencimiento", "vencimiento", "fecha", "due date", "vence"},
	record.FieldCounterpartyName: {"empresa", "acreedor", "compania", "compañia", "compañía", "cliente empresa", "counterparty"},
	record.FieldContactEmail:     {"email", "correo", "e-mail", "mail"},
	record.FieldContactPhone:     {"telefono", "teléfono", "celular", "fono", "movil", "móvil", "phone"},
	record.FieldReference:        {"referencia", "folio", "numero documento", "número documento", "nro documento", "reference"},
	record.FieldCategory:         {"categoria", "categoría", "tipo deuda", "tipo", "category"},
	record.FieldInterestRate:     {"tasa", "interes", "interés", "tasa interes", "interest"},
	record.FieldDescription:      {"descripcion", "descripción", "detalle", "glosa", "observacion", "observación"},
}

// InferMapping matches each canonical field against the header row. A header
// matches when it contains a synonym, a synonym contains it, or the two are
// equal once underscores and spaces are stripped. First matching column
// wins; already-claimed columns are skipped so two fields never share one.
func InferMapping(headers []string) FieldMapping {
	mapping := make(FieldMapping)
	claimed := make(map[int]bool, len(headers))

	for _, field := range record.KnownFields() {
		for i, header := range headers {
			if claimed[i] {
				continue
			}
			if headerMatches(header, synonyms[field]) {
				mapping[field] = header
				claimed[i] = true
				break
			}
		}
	}

	return mapping
}

// WithOverrides merges operator-supplied assignments on top of an inferred
// mapping. Overrides naming a column absent from the header row are dropped,
// preserving the subset invariant; an empty override unmaps the field.
func (m FieldMapping) WithOverrides(overrides map[string]string, headers []string) FieldMapping {
	valid := make(map[string]bool, len(headers))
	for _, h := range headers {
		valid[h] = true
	}

	out := make(FieldMapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	for field, column := range overrides {
		if column == "" {
			delete(out, field)
			continue
		}
		if valid[column] {
			out[field] = column
		}
	}
	return out
}

// Unmapped returns the canonical fields this mapping leaves unassigned, in
// schema order.
func (m FieldMapping) Unmapped() []string {
	var out []string
	for _, f := range record.KnownFields() {
		if _, ok := m[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// Apply copies mapped source columns onto canonical keys, leaving the raw
// columns in place for downstream reference.
func (m FieldMapping) Apply(r *record.FlatRecord) *record.FlatRecord {
	out := r.Clone()
	for _, field := range record.KnownFields() {
		source, ok := m[field]
		if !ok {
			continue
		}
		if v, present := r.Get(source); present {
			out.Set(field, strings.TrimSpace(v))
		}
	}
	return out
}

func headerMatches(header string, candidates []string) bool {
	h := strings.ToLower(strings.TrimSpace(header))
	if h == "" {
		return false
	}
	flatHeader := flatten(h)

	for _, syn := range candidates {
		if strings.Contains(h, syn) || strings.Contains(syn, h) {
			return true
		}
		if flatHeader == flatten(syn) {
			return true
		}
		// Tolerate one character of spelling drift ("telfono").
		if len(flatHeader) >= 5 && fuzzy.LevenshteinDistance(flatHeader, flatten(syn)) <= 1 {
			return true
		}
	}
	return false
}

func flatten(s string) string {
	return strings.NewReplacer("_", "", " ", "", "-", "").Replace(s)
}
