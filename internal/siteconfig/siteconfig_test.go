package siteconfig

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/common/money"
)

func TestDefaultExclusions(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []domain.PaymentTypeID{domain.TypeATM, domain.TypeBankTransfer, domain.TypeTicket}
	for _, site := range []string{"MLC", "MCO", "MLV"} {
		if got := cfg.ExcludedPaymentTypes(site); !slices.Equal(got, want) {
			t.Errorf("%s excluded = %v, want %v", site, got, want)
		}
	}
	for _, site := range []string{"MLA", "MLB", "unknown"} {
		if got := cfg.ExcludedPaymentTypes(site); len(got) != 0 {
			t.Errorf("%s excluded = %v, want none", site, got)
		}
	}

	if c, ok := cfg.Currency("MLA"); !ok || c != money.ARS {
		t.Errorf("MLA currency = %q, %t", c, ok)
	}
	if _, ok := money.GetCurrencyInfo(money.CLP); !ok {
		t.Error("CLP not registered")
	}
}

func TestLoadFileWithChargeRules(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sites.yaml")
	data := []byte(`
sites:
  MLA:
    currency: ARS
    charge_rules:
      - payment_type_id: ticket
        amount:
          amount_minor: 1500
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rules := cfg.ChargeRules("MLA")
	if len(rules) != 1 {
		t.Fatalf("rules = %v", rules)
	}
	if want := money.New(1500, money.ARS); !rules[0].Amount.Equal(want) {
		t.Errorf("amount = %v, want %v", rules[0].Amount, want)
	}
	if cfg.ChargeRules("MLB") != nil {
		t.Error("unknown site should have no rules")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "no sites", yaml: "currencies: []\n"},
		{name: "missing currency", yaml: "sites:\n  MLA: {}\n"},
		{name: "bad site id", yaml: "sites:\n  ARGENTINA:\n    currency: ARS\n"},
		{name: "rule without type", yaml: "sites:\n  MLA:\n    currency: ARS\n    charge_rules:\n      - amount: {amount_minor: 1}\n"},
		{name: "rule in other currency", yaml: "sites:\n  MLA:\n    currency: ARS\n    charge_rules:\n      - payment_type_id: ticket\n        amount: {amount_minor: 1, currency: BRL}\n"},
		{name: "not yaml", yaml: "sites: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("Parse succeeded, want error")
			}
		})
	}
}
