package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain integer", "1500000", "1500000"},
		{"thousands grouped", "1.500.000", "1500000"},
		{"grouped with decimals", "1.500.000,75", "1500000.75"},
		{"currency symbol", "$ 1.500.000", "1500000"},
		{"clp suffix", "1500000 CLP", "1500000"},
		{"comma decimal only", "1500,5", "1500.5"},
		{"plain decimal point", "1500.5", "1500.5"},
		{"negative", "-100", "-100"},
		{"parenthesized negative", "(2.500)", "-2500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			require.NoError(t, err)
			want, _ := decimal.NewFromString(tt.want)
			assert.True(t, want.Equal(got), "got %s want %s", got, want)
		})
	}
}

func TestParseAmount_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", "$"} {
		_, err := ParseAmount(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestMoney_CLPIsZeroDecimal(t *testing.T) {
	m := NewFromDecimal(decimal.NewFromInt(1500000), CLP)
	assert.Equal(t, int64(1500000), m.Amount())
	assert.True(t, m.IsPositive())
	assert.Equal(t, "1500000", m.ToDecimal().String())
}

func TestMoney_SimpleInterest(t *testing.T) {
	principal := New(1000000, CLP)
	interest := principal.SimpleInterest(decimal.NewFromInt(12), decimal.NewFromInt(1))
	assert.Equal(t, int64(120000), interest.Amount())
}
