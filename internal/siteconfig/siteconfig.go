// Package siteconfig loads the per-site checkout policy: the site currency,
// the payment types a site never offers and the default charge rules.
package siteconfig

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/common/money"
)

//go:embed default.yaml
var defaultConfig []byte

// Site is the policy of one site
type Site struct {
	Currency             money.Currency         `yaml:"currency" validate:"required,len=3"`
	ExcludedPaymentTypes []domain.PaymentTypeID `yaml:"excluded_payment_types"`
	ChargeRules          []domain.ChargeRule    `yaml:"charge_rules"`
}

// Config is the whole site table
type Config struct {
	Currencies []money.CurrencyInfo `yaml:"currencies" validate:"dive"`
	Sites      map[string]Site      `yaml:"sites" validate:"required,min=1,dive,keys,len=3,endkeys"`
}

var validate = validator.New()

// Load reads the config at path, or the embedded default when path is
// empty, and registers its currencies.
func Load(path string) (*Config, error) {
	data := defaultConfig
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading site config: %w", err)
		}
		data = b
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	for _, c := range cfg.Currencies {
		money.RegisterCurrency(c)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML site table
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing site config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid site config: %w", err)
	}
	for id, s := range cfg.Sites {
		if err := validate.Struct(s); err != nil {
			return nil, fmt.Errorf("invalid site config: site %s: %w", id, err)
		}
		for _, r := range s.ChargeRules {
			if r.PaymentTypeID == "" {
				return nil, fmt.Errorf("invalid site config: site %s: charge rule without payment_type_id", id)
			}
			if r.Amount.Currency != "" && r.Amount.Currency != s.Currency {
				return nil, fmt.Errorf("invalid site config: site %s: charge rule in %s, site uses %s", id, r.Amount.Currency, s.Currency)
			}
		}
	}
	return &cfg, nil
}

// ExcludedPaymentTypes implements initflow.SitePolicy
func (c *Config) ExcludedPaymentTypes(siteID string) []domain.PaymentTypeID {
	return slices.Clone(c.Sites[siteID].ExcludedPaymentTypes)
}

// ChargeRules returns the default charge rules of a site, in the site
// currency.
func (c *Config) ChargeRules(siteID string) []domain.ChargeRule {
	s, ok := c.Sites[siteID]
	if !ok {
		return nil
	}
	rules := slices.Clone(s.ChargeRules)
	for i := range rules {
		rules[i].Amount.Currency = s.Currency
	}
	return rules
}

// Currency returns the currency of a site
func (c *Config) Currency(siteID string) (money.Currency, bool) {
	s, ok := c.Sites[siteID]
	return s.Currency, ok
}
