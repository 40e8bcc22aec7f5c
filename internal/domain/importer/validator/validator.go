// Package validator checks mapped records against the canonical schema and
// produces normalized copies. Validation is total: any input yields a
// Result, never an error.
package validator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pagaria/cobranza-api/internal/domain/identity"
	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
	"github.com/pagaria/cobranza-api/pkg/money"
)

const (
	minNameLength = 3
	maxNameLength = 255
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// dateLayouts are tried in order. Chilean files are day-first.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
	"2006/01/02",
	"2006-01-02T15:04:05Z07:00",
}

// Config tunes validation strictness.
type Config struct {
	// Strict promotes soft failures (email shape, supplied check digits) to
	// hard errors and always recomputes identifier check digits.
	Strict bool
	// MaxAmount rejects amounts above this value when positive.
	MaxAmount decimal.Decimal
}

// Result is the outcome of validating one record. Normalized is always
// populated, even when invalid, so callers can decide what to salvage.
type Result struct {
	Valid      bool
	Errors     []string
	Warnings   []string
	Normalized *record.FlatRecord
}

// Validator validates flat records against the canonical field schema.
type Validator struct {
	cfg Config
	ids *identity.Normalizer
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg, ids: &identity.Normalizer{Strict: cfg.Strict}}
}

// Validate normalizes every canonical field it can and collects per-field
// errors and warnings. The returned record carries the validity flag and
// error list so downstream stages need only the record.
func (v *Validator) Validate(r *record.FlatRecord) Result {
	if r == nil {
		r = record.New()
	}
	out := r.Clone()
	var errs, warns []string

	v.validateRUT(out, &errs)
	v.validateFullName(out, &errs, &warns)
	v.validateAmount(out, &errs)
	v.validateDueDate(out, &errs, &warns)
	v.validateCounterparty(out, &errs)
	v.validateEmail(out, &errs, &warns)
	v.validatePhone(out, &warns)
	v.validateInterestRate(out, &warns)

	out.Valid = len(errs) == 0
	out.Errors = errs
	return Result{
		Valid:      out.Valid,
		Errors:     errs,
		Warnings:   warns,
		Normalized: out,
	}
}

func (v *Validator) validateRUT(r *record.FlatRecord, errs *[]string) {
	raw := r.Value(record.FieldRUT)
	if strings.TrimSpace(raw) == "" {
		*errs = append(*errs, "rut: es obligatorio")
		return
	}
	normalized := v.ids.NormalizeRUT(raw)
	if !identity.IsCanonicalRUT(normalized) {
		*errs = append(*errs, fmt.Sprintf("rut: %q no tiene formato válido", raw))
		return
	}
	r.Set(record.FieldRUT, normalized)
}

func (v *Validator) validateFullName(r *record.FlatRecord, errs, warns *[]string) {
	name := collapseSpaces(r.Value(record.FieldFullName))
	r.Set(record.FieldFullName, name)

	switch n := len([]rune(name)); {
	case n == 0:
		*errs = append(*errs, "full_name: es obligatorio")
	case n > maxNameLength:
		*errs = append(*errs, fmt.Sprintf("full_name: excede %d caracteres", maxNameLength))
	case n < minNameLength:
		*warns = append(*warns, "full_name: nombre demasiado corto")
	}
}

func (v *Validator) validateAmount(r *record.FlatRecord, errs *[]string) {
	raw := r.Value(record.FieldAmount)
	if strings.TrimSpace(raw) == "" {
		*errs = append(*errs, "amount: es obligatorio")
		return
	}
	d, err := money.ParseAmount(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("amount: %q no es un monto válido", raw))
		return
	}
	if !d.IsPositive() {
		*errs = append(*errs, fmt.Sprintf("amount: debe ser mayor que cero, recibido %s", d))
		return
	}
	if v.cfg.MaxAmount.IsPositive() && d.GreaterThan(v.cfg.MaxAmount) {
		*errs = append(*errs, fmt.Sprintf("amount: %s excede el máximo permitido %s", d, v.cfg.MaxAmount))
		return
	}
	r.Set(record.FieldAmount, d.String())
}

func (v *Validator) validateDueDate(r *record.FlatRecord, errs, warns *[]string) {
	raw := strings.TrimSpace(r.Value(record.FieldDueDate))
	if raw == "" {
		*errs = append(*errs, "due_date: es obligatorio")
		return
	}
	t, ok := parseDate(raw)
	if !ok {
		*errs = append(*errs, fmt.Sprintf("due_date: %q no es una fecha reconocible", raw))
		return
	}
	if t.Before(startOfToday()) {
		*warns = append(*warns, fmt.Sprintf("due_date: %s ya venció", t.Format("2006-01-02")))
	}
	r.Set(record.FieldDueDate, t.Format("2006-01-02"))
}

func (v *Validator) validateCounterparty(r *record.FlatRecord, errs *[]string) {
	name := collapseSpaces(r.Value(record.FieldCounterpartyName))
	r.Set(record.FieldCounterpartyName, name)
	if name == "" {
		*errs = append(*errs, "counterparty_name: es obligatorio")
	}
}

func (v *Validator) validateEmail(r *record.FlatRecord, errs, warns *[]string) {
	email := strings.TrimSpace(r.Value(record.FieldContactEmail))
	if email == "" {
		return
	}
	email = strings.ToLower(email)
	r.Set(record.FieldContactEmail, email)
	if emailPattern.MatchString(email) {
		return
	}
	msg := fmt.Sprintf("contact_email: %q no tiene formato válido", email)
	if v.cfg.Strict {
		*errs = append(*errs, msg)
	} else {
		*warns = append(*warns, msg)
	}
}

func (v *Validator) validatePhone(r *record.FlatRecord, warns *[]string) {
	phone := strings.TrimSpace(r.Value(record.FieldContactPhone))
	if phone == "" {
		return
	}
	normalized := identity.NormalizePhone(phone)
	r.Set(record.FieldContactPhone, normalized)
	if !identity.ValidPhone(normalized) {
		*warns = append(*warns, fmt.Sprintf("contact_phone: %q no es un número chileno válido", phone))
	}
}

func (v *Validator) validateInterestRate(r *record.FlatRecord, warns *[]string) {
	raw := strings.TrimSpace(r.Value(record.FieldInterestRate))
	if raw == "" {
		return
	}
	rate, err := money.ParseAmount(strings.TrimSuffix(raw, "%"))
	if err != nil || rate.IsNegative() {
		*warns = append(*warns, fmt.Sprintf("interest_rate: %q no es una tasa válida, se ignora", raw))
		r.Set(record.FieldInterestRate, "")
		return
	}
	r.Set(record.FieldInterestRate, rate.String())
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func startOfToday() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
