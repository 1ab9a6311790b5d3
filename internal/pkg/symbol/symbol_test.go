package symbol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in       string
		base     string
		series   string
		exchange string
	}{
		{"RELIANCE-EQ", "RELIANCE", "EQ", ExchangeNSE},
		{"reliance.ns", "RELIANCE", "", ExchangeNSE},
		{"NSE:TATAMOTORS-BE", "TATAMOTORS", "BE", ExchangeNSE},
		{"500325.BO", "500325", "", ExchangeBSE},
		{"BAJAJ-AUTO", "BAJAJ-AUTO", "", ExchangeNSE},
		{"BAJAJ-AUTO-EQ", "BAJAJ-AUTO", "EQ", ExchangeNSE},
	}
	for _, tc := range cases {
		got := Parse(tc.in)
		assert.Equal(t, tc.base, got.Base, tc.in)
		assert.Equal(t, tc.series, got.Series, tc.in)
		assert.Equal(t, tc.exchange, got.Exchange, tc.in)
	}
	assert.Equal(t, "RELIANCE-EQ", Parse("RELIANCE.NS").TradingSymbol())
	assert.Equal(t, "RELIANCE.NS", Parse("RELIANCE-EQ").Ticker())
	assert.Equal(t, "", Base("  "))
}

func TestRegistryResolveWithOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbols.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols:
  GOLDBEES:
    trading_symbol: GOLDBEES-EQ
    ticker: GOLDBEES.NS
  SUZLON:
    exchange: BSE
`), 0o644))

	reg, err := NewRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	got := reg.Resolve("SUZLON-EQ")
	assert.Equal(t, "SUZLON", got.TradingSymbol)
	assert.Equal(t, ExchangeBSE, got.Exchange)
	assert.Equal(t, "SUZLON.BO", got.Ticker)

	plain := reg.Resolve("INFY")
	assert.Equal(t, "INFY-EQ", plain.TradingSymbol)
	assert.Equal(t, "INFY.NS", plain.Ticker)
}

func TestRegistryRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbols.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symbols:\n  INFY:\n    lot: 5\n"), 0o644))
	_, err := NewRegistry(path)
	assert.Error(t, err)
}

func TestNilRegistryFallsBack(t *testing.T) {
	var reg *Registry
	got := reg.Resolve("TCS")
	assert.Equal(t, "TCS-EQ", got.TradingSymbol)
	assert.Equal(t, 0, reg.Len())
}
