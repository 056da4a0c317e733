package amount

import (
	"errors"
	"math/rand"
	"testing"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/common/money"
)

func pref(amounts ...int64) *domain.CheckoutPreference {
	p := &domain.CheckoutPreference{SiteID: "MLA", Currency: money.ARS}
	for i, a := range amounts {
		p.Items = append(p.Items, domain.Item{ID: string(rune('a' + i)), Quantity: 1, UnitPrice: money.New(a, money.ARS)})
	}
	return p
}

func cardData() *domain.PaymentData {
	return &domain.PaymentData{PaymentMethod: &domain.PaymentMethod{ID: "visa", PaymentTypeID: domain.TypeCreditCard}}
}

func TestCompute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		in           Input
		wantTotal    int64
		wantDiscount int64
		wantToPay    int64
	}{
		{
			name:      "items only",
			in:        Input{Preference: pref(1000, 999)},
			wantTotal: 1999, wantToPay: 1999,
		},
		{
			name: "percent discount rounded once",
			in: Input{
				Preference: pref(1999),
				Discount:   &domain.DiscountConfiguration{Discount: &domain.Discount{ID: "d", PercentOff: 1500}},
			},
			// 1999 - 299.85 = 1699.15
			wantTotal: 1699, wantDiscount: 300, wantToPay: 1699,
		},
		{
			name: "campaign caps discount",
			in: Input{
				Preference: pref(10000),
				Discount: &domain.DiscountConfiguration{
					Discount: &domain.Discount{ID: "d", PercentOff: 5000},
					Campaign: &domain.Campaign{ID: "c", MaxCouponAmount: money.New(1000, money.ARS)},
				},
			},
			wantTotal: 9000, wantDiscount: 1000, wantToPay: 9000,
		},
		{
			name: "unavailable discount ignored",
			in: Input{
				Preference: pref(500),
				Discount:   &domain.DiscountConfiguration{Discount: &domain.Discount{ID: "d", AmountOff: money.New(100, money.ARS)}, NotAvailable: true},
			},
			wantTotal: 500, wantToPay: 500,
		},
		{
			name: "charge rule by payment type",
			in: Input{
				Preference:  pref(1000),
				PaymentData: cardData(),
				ChargeRules: []domain.ChargeRule{
					{PaymentTypeID: domain.TypeCreditCard, Amount: money.New(50, money.ARS)},
					{PaymentTypeID: domain.TypeTicket, Amount: money.New(70, money.ARS)},
					{PaymentTypeID: domain.TypeCreditCard, PaymentMethodID: "master", Amount: money.New(30, money.ARS)},
				},
			},
			wantTotal: 1050, wantToPay: 1050,
		},
		{
			name: "payer cost total is the amount to pay",
			in: Input{
				Preference: pref(1000),
				PaymentData: func() *domain.PaymentData {
					d := cardData()
					d.PayerCost = &domain.PayerCost{Installments: 6, TotalAmount: money.New(1180, money.ARS)}
					return d
				}(),
			},
			wantTotal: 1000, wantToPay: 1180,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := Compute(tt.in)
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
			if b.Total.AmountMinor != tt.wantTotal {
				t.Errorf("total = %d, want %d", b.Total.AmountMinor, tt.wantTotal)
			}
			if b.DiscountAmount.AmountMinor != tt.wantDiscount {
				t.Errorf("discount = %d, want %d", b.DiscountAmount.AmountMinor, tt.wantDiscount)
			}
			if b.AmountToPay.AmountMinor != tt.wantToPay {
				t.Errorf("amount to pay = %d, want %d", b.AmountToPay.AmountMinor, tt.wantToPay)
			}
			if b.IsSplit() {
				t.Error("unexpected split")
			}
		})
	}
}

func TestComputeRequiresPreference(t *testing.T) {
	t.Parallel()

	if _, err := Compute(Input{}); !errors.Is(err, ErrNoPreference) {
		t.Fatalf("err = %v, want ErrNoPreference", err)
	}
}

func TestSplitLegsAddUpToTotal(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		itemTotal := int64(rng.Intn(1_000_000) + 1)
		primary := int64(rng.Intn(int(itemTotal) + 1))

		split := &domain.SplitConfiguration{
			Primary:   domain.SplitLeg{PaymentMethodID: "visa", Amount: money.New(primary, money.ARS)},
			Secondary: domain.SplitLeg{PaymentMethodID: "account_money", Amount: money.New(itemTotal-primary, money.ARS)},
		}
		if rng.Intn(2) == 0 {
			split.Primary.Discount = &domain.Discount{ID: "p", PercentOff: int64(rng.Intn(10000))}
		}
		if rng.Intn(2) == 0 {
			split.Secondary.Discount = &domain.Discount{ID: "s", PercentOff: int64(rng.Intn(10000))}
		}

		in := Input{
			Preference:  pref(itemTotal),
			PaymentData: cardData(),
			Split:       split,
		}
		if rng.Intn(3) == 0 {
			in.ChargeRules = []domain.ChargeRule{{PaymentTypeID: domain.TypeCreditCard, Amount: money.New(int64(rng.Intn(500)), money.ARS)}}
		}

		b, err := Compute(in)
		if err != nil {
			t.Fatalf("case %d: Compute failed: %v", i, err)
		}
		if b.Secondary == nil {
			t.Fatalf("case %d: secondary leg missing", i)
		}
		if got := b.Primary.Amount.AmountMinor + b.Secondary.Amount.AmountMinor; got != b.Total.AmountMinor {
			t.Fatalf("case %d: primary %d + secondary %d = %d, total %d",
				i, b.Primary.Amount.AmountMinor, b.Secondary.Amount.AmountMinor, got, b.Total.AmountMinor)
		}
		if b.Secondary.Amount.IsNegative() || b.Primary.Amount.IsNegative() {
			t.Fatalf("case %d: negative leg %+v", i, b)
		}
	}
}

func TestSplitLegsCarryOwnDiscount(t *testing.T) {
	t.Parallel()

	split := &domain.SplitConfiguration{
		Primary:   domain.SplitLeg{PaymentMethodID: "visa", Amount: money.New(700, money.ARS), Discount: &domain.Discount{ID: "p", AmountOff: money.New(70, money.ARS)}},
		Secondary: domain.SplitLeg{PaymentMethodID: "account_money", Amount: money.New(300, money.ARS), Discount: &domain.Discount{ID: "s", PercentOff: 1000}},
	}
	campaign := &domain.Campaign{ID: "camp"}

	b, err := Compute(Input{
		Preference:  pref(1000),
		PaymentData: cardData(),
		Discount:    &domain.DiscountConfiguration{Campaign: campaign},
		Split:       split,
	})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	// 1000 - 70 - 30
	if b.Total.AmountMinor != 900 {
		t.Fatalf("total = %d, want 900", b.Total.AmountMinor)
	}
	if b.Primary.Amount.AmountMinor != 630 || b.Secondary.Amount.AmountMinor != 270 {
		t.Fatalf("legs = %d/%d, want 630/270", b.Primary.Amount.AmountMinor, b.Secondary.Amount.AmountMinor)
	}
	if b.Primary.Discount.ID != "p" || b.Secondary.Discount.ID != "s" {
		t.Fatal("legs lost their own discounts")
	}
	if b.Primary.Campaign != campaign || b.Secondary.Campaign != campaign {
		t.Fatal("campaign not attached to discounted legs")
	}
}

func TestComputeRejectsForeignCurrency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Input
	}{
		{
			name: "amount off in another currency",
			in: Input{
				Preference: pref(1000),
				Discount:   &domain.DiscountConfiguration{Discount: &domain.Discount{ID: "d", AmountOff: money.New(100, money.USD)}},
			},
		},
		{
			name: "coupon cap in another currency",
			in: Input{
				Preference: pref(10000),
				Discount: &domain.DiscountConfiguration{
					Discount: &domain.Discount{ID: "d", PercentOff: 5000},
					Campaign: &domain.Campaign{ID: "c", MaxCouponAmount: money.New(1000, money.USD)},
				},
			},
		},
		{
			name: "split leg in another currency",
			in: Input{
				Preference:  pref(1000),
				PaymentData: cardData(),
				Split: &domain.SplitConfiguration{
					Primary:   domain.SplitLeg{PaymentMethodID: "visa", Amount: money.New(600, money.ARS)},
					Secondary: domain.SplitLeg{PaymentMethodID: "account_money", Amount: money.New(400, money.BRL)},
				},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Compute(tt.in); !errors.Is(err, ErrCurrencyMismatch) {
				t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
			}
		})
	}
}
