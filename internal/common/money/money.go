package money

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	ARS Currency = "ARS"
	BRL Currency = "BRL"
	CLP Currency = "CLP"
	COP Currency = "COP"
	MXN Currency = "MXN"
	PEN Currency = "PEN"
	UYU Currency = "UYU"
	VES Currency = "VES"
	USD Currency = "USD"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency `yaml:"code"`
	MinorUnits  int      `yaml:"minor_units"` // Number of decimal places
	Symbol      string   `yaml:"symbol"`
	SymbolFirst bool     `yaml:"symbol_first"`
}

var (
	currenciesMu sync.RWMutex
	currencies   = map[Currency]CurrencyInfo{
		ARS: {Code: ARS, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
		BRL: {Code: BRL, MinorUnits: 2, Symbol: "R$", SymbolFirst: true},
		CLP: {Code: CLP, MinorUnits: 0, Symbol: "$", SymbolFirst: true},
		COP: {Code: COP, MinorUnits: 0, Symbol: "$", SymbolFirst: true},
		MXN: {Code: MXN, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
		PEN: {Code: PEN, MinorUnits: 2, Symbol: "S/", SymbolFirst: true},
		UYU: {Code: UYU, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
		VES: {Code: VES, MinorUnits: 2, Symbol: "Bs", SymbolFirst: true},
		USD: {Code: USD, MinorUnits: 2, Symbol: "US$", SymbolFirst: true},
	}
)

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	currenciesMu.RLock()
	defer currenciesMu.RUnlock()
	info, ok := currencies[c]
	return info, ok
}

// RegisterCurrency adds or replaces a currency in the table
func RegisterCurrency(info CurrencyInfo) {
	currenciesMu.Lock()
	defer currenciesMu.Unlock()
	currencies[info.Code] = info
}

// Money represents a monetary amount in minor units (cents, centavos, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor" yaml:"amount_minor"`
	Currency    Currency `json:"currency" yaml:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor - other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Multiply multiplies by an integer
func (m Money) Multiply(factor int64) Money {
	return Money{
		AmountMinor: m.AmountMinor * factor,
		Currency:    m.Currency,
	}
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// Rat returns the exact amount in minor units as a rational
func (m Money) Rat() *big.Rat {
	return new(big.Rat).SetInt64(m.AmountMinor)
}

// FromRat rounds a rational amount of minor units half away from zero.
// This is the only place fractional minor units become integers.
func FromRat(r *big.Rat, currency Currency) Money {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()

	neg := num.Sign() < 0
	if neg {
		num.Neg(num)
	}

	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	// Round half up on the absolute value
	if rem.Lsh(rem, 1).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if neg {
		q.Neg(q)
	}

	return Money{AmountMinor: q.Int64(), Currency: currency}
}

// ToMajor converts to major units as a decimal string
func (m Money) ToMajor() string {
	info, ok := GetCurrencyInfo(m.Currency)
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	r := new(big.Rat).SetFrac(big.NewInt(m.AmountMinor), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(info.MinorUnits)), nil))
	return r.FloatString(info.MinorUnits)
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := GetCurrencyInfo(m.Currency)
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	if info.SymbolFirst {
		return info.Symbol + m.ToMajor()
	}
	return m.ToMajor() + info.Symbol
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}

// Sum adds up multiple money values
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}

	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
