// Package money provides currency-safe handling of Chilean peso amounts
// using the Fowler Money pattern. Debt amounts arrive as locale-formatted
// strings ("$ 1.500.000", "1.500.000,50") and must parse without float
// drift, so parsing goes through shopspring/decimal.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// CLP is the operating currency. It is a zero-decimal currency: amounts are
// whole pesos.
const CLP = "CLP"

// Money wraps go-money for safe arithmetic in minor units.
type Money struct {
	m *gomoney.Money
}

// New creates a Money value from minor units.
func New(amount int64, currencyCode string) *Money {
	return &Money{m: gomoney.New(amount, currencyCode)}
}

// NewFromDecimal converts a decimal value into Money, rounding to the
// currency's fraction.
func NewFromDecimal(amount decimal.Decimal, currencyCode string) *Money {
	currency := gomoney.GetCurrency(currencyCode)
	if currency == nil {
		currency = gomoney.GetCurrency(CLP)
	}
	minor := amount.Mul(decimal.New(1, int32(currency.Fraction))).Round(0).IntPart()
	return New(minor, currencyCode)
}

// ParseAmount parses a Chilean-locale amount string: "." as the thousands
// separator, "," as the decimal separator, optional currency symbols and
// whitespace. Returns the parsed decimal value.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(raw)
	for _, sym := range []string{"$", "CLP", "clp", " "} {
		cleaned = strings.ReplaceAll(cleaned, sym, "")
	}
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(cleaned, "-") || strings.HasPrefix(cleaned, "(") {
		negative = true
		cleaned = strings.TrimPrefix(cleaned, "-")
		cleaned = strings.Trim(cleaned, "()")
	}

	// Chilean locale: 1.500.000,75 -> 1500000.75. A lone dot followed by
	// something other than a 3-digit group is treated as a decimal point
	// so plain "1500.5" still parses.
	if strings.Contains(cleaned, ",") {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	} else if isThousandsGrouped(cleaned) {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// isThousandsGrouped reports whether every dot-separated group after the
// first has exactly three digits, e.g. "1.500.000".
func isThousandsGrouped(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return false
	}
	for i, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
		if i > 0 && len(p) != 3 {
			return false
		}
	}
	return true
}

// Amount returns the value in minor units.
func (m *Money) Amount() int64 {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Amount()
}

// Currency returns the ISO-4217 code.
func (m *Money) Currency() string {
	if m == nil || m.m == nil {
		return ""
	}
	return m.m.Currency().Code
}

// IsPositive reports whether the amount is greater than zero.
func (m *Money) IsPositive() bool {
	return m != nil && m.m != nil && m.m.IsPositive()
}

// Display returns the locale-formatted amount, e.g. "$1.500.000".
func (m *Money) Display() string {
	if m == nil || m.m == nil {
		return "$0"
	}
	return m.m.Display()
}

// ToDecimal converts back to a decimal value.
func (m *Money) ToDecimal() decimal.Decimal {
	if m == nil || m.m == nil {
		return decimal.Zero
	}
	return decimal.NewFromInt(m.m.Amount()).Div(decimal.New(1, int32(m.m.Currency().Fraction)))
}

// SimpleInterest returns the interest accrued on the amount at an annual
// percentage rate over a fraction of a year.
func (m *Money) SimpleInterest(annualRatePercent decimal.Decimal, years decimal.Decimal) *Money {
	if m == nil || m.m == nil {
		return New(0, CLP)
	}
	interest := m.ToDecimal().
		Mul(annualRatePercent.Div(decimal.NewFromInt(100))).
		Mul(years)
	return NewFromDecimal(interest, m.Currency())
}

// MarshalJSON emits {amount, currency, display}.
func (m *Money) MarshalJSON() ([]byte, error) {
	if m == nil || m.m == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(map[string]interface{}{
		"amount":   m.Amount(),
		"currency": m.Currency(),
		"display":  m.Display(),
	})
}

// UnmarshalJSON accepts the shape produced by MarshalJSON.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Currency == "" {
		v.Currency = CLP
	}
	m.m = gomoney.New(v.Amount, v.Currency)
	return nil
}

// Scan implements sql.Scanner for integer minor-unit columns.
func (m *Money) Scan(value interface{}) error {
	if value == nil {
		m.m = nil
		return nil
	}
	switch v := value.(type) {
	case int64:
		m.m = gomoney.New(v, CLP)
		return nil
	case float64:
		m.m = gomoney.New(int64(v), CLP)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Money", value)
	}
}

// Value implements driver.Valuer.
func (m *Money) Value() (driver.Value, error) {
	if m == nil || m.m == nil {
		return nil, nil
	}
	return m.Amount(), nil
}
