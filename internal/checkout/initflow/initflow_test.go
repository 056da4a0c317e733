package initflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/service"
	"checkoutcore/internal/checkout/service/servicetest"
	"checkoutcore/internal/checkout/snapshot"
	"checkoutcore/internal/common/money"
)

type staticPolicy map[string][]domain.PaymentTypeID

func (p staticPolicy) ExcludedPaymentTypes(site string) []domain.PaymentTypeID { return p[site] }

type staticCards []string

func (c staticCards) SavedCardIDs(context.Context) ([]string, error) { return c, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitClosedPreference(t *testing.T) {
	t.Parallel()

	want := &domain.InitSearch{SiteID: "MLA", Currency: money.ARS, OneTap: nil}
	fake := &servicetest.Fake{
		InitFn: func(context.Context, service.InitRequest) (*domain.InitSearch, error) { return want, nil },
	}
	holder := snapshot.NewHolder(nil)
	f := New(snapshot.Context{Preference: &domain.CheckoutPreference{ID: "PREF123", SiteID: "MLA"}},
		Deps{Adapter: fake, Cards: staticCards{"c1"}, Holder: holder, Logger: discardLogger()})

	var successes int
	res, err := f.Run(context.Background(), flow.Callbacks[Result]{
		OnSuccess: func(Result) { successes++ },
		OnFailure: func(err error) { t.Errorf("unexpected failure: %v", err) },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Search != want {
		t.Error("result search is not the backend search")
	}
	if successes != 1 {
		t.Errorf("success callbacks = %d", successes)
	}
	wantSteps := []Step{StepStart, StepFetchInit, StepFinish}
	if !slices.Equal(f.Model().History, wantSteps) {
		t.Errorf("steps = %v, want %v", f.Model().History, wantSteps)
	}
	if fake.LastInit.PreferenceID != "PREF123" || fake.LastInit.Preference != nil {
		t.Errorf("init request = %+v", fake.LastInit)
	}
	if !slices.Equal(fake.LastInit.CardsWithESC, []string{"c1"}) {
		t.Errorf("cards with esc = %v", fake.LastInit.CardsWithESC)
	}
	if holder.Load().Search != want {
		t.Error("holder not updated with the search")
	}
}

func TestInitOpenPreferenceAppliesSitePolicy(t *testing.T) {
	t.Parallel()

	fake := &servicetest.Fake{}
	policy := staticPolicy{"MLC": {domain.TypeATM, domain.TypeBankTransfer, domain.TypeTicket}}
	pref := &domain.CheckoutPreference{SiteID: "MLC", ExcludedPaymentTypes: []domain.PaymentTypeID{domain.TypeTicket}}

	f := New(snapshot.Context{Preference: pref}, Deps{Adapter: fake, Policy: policy, Logger: discardLogger()})
	res, err := f.Run(context.Background(), flow.Callbacks[Result]{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sent := fake.LastInit.Preference
	if sent == nil || fake.LastInit.PreferenceID != "" {
		t.Fatalf("open preference not sent: %+v", fake.LastInit)
	}
	want := []domain.PaymentTypeID{domain.TypeTicket, domain.TypeATM, domain.TypeBankTransfer}
	if !slices.Equal(sent.ExcludedPaymentTypes, want) {
		t.Errorf("excluded = %v, want %v", sent.ExcludedPaymentTypes, want)
	}
	if len(pref.ExcludedPaymentTypes) != 1 {
		t.Error("integrator preference was mutated")
	}
	if res.Preference != sent {
		t.Error("result preference is not the adjusted one")
	}
	if fake.LastInit.CardsWithESC == nil {
		t.Error("cards with esc sent as null")
	}
}

func TestInitFailureThenRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	fake := &servicetest.Fake{
		InitFn: func(context.Context, service.InitRequest) (*domain.InitSearch, error) {
			calls++
			if calls == 1 {
				return nil, service.NewError(service.KindBackend, service.OriginGetInit,
					&service.APIException{Status: service.StatusInternalError, Message: "boom"}, nil)
			}
			return &domain.InitSearch{SiteID: "MLA"}, nil
		},
	}
	f := New(snapshot.Context{Preference: &domain.CheckoutPreference{ID: "PREF123"}}, Deps{Adapter: fake, Logger: discardLogger()})

	var failures int
	_, err := f.Run(context.Background(), flow.Callbacks[Result]{OnFailure: func(error) { failures++ }})
	var ie *Error
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want *initflow.Error", err)
	}
	if ie.Origin != service.OriginGetInit || !ie.Retryable || ie.Step != StepFetchInit {
		t.Errorf("init error = %+v", ie)
	}
	if ie.Exception == nil || ie.Exception.Status != service.StatusInternalError {
		t.Errorf("exception = %+v", ie.Exception)
	}
	if !flow.IsRetryable(err) || failures != 1 {
		t.Errorf("retryable = %v, failures = %d", flow.IsRetryable(err), failures)
	}

	f.SetPendingRetry(StepFetchInit)
	res, err := f.Run(context.Background(), flow.Callbacks[Result]{})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Search == nil || calls != 2 {
		t.Errorf("search = %v, calls = %d", res.Search, calls)
	}
	wantSteps := []Step{StepStart, StepFetchInit, StepError, StepFetchInit, StepFinish}
	if !slices.Equal(f.Model().History, wantSteps) {
		t.Errorf("steps = %v, want %v", f.Model().History, wantSteps)
	}
}

func TestModelNextStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		model Model
		want  Step
	}{
		{name: "fresh", model: Model{}, want: StepStart},
		{name: "started without search", model: Model{State: flow.State[Step]{Step: StepStart}}, want: StepFetchInit},
		{name: "search present", model: Model{State: flow.State[Step]{Step: StepFetchInit}, Search: &domain.InitSearch{}}, want: StepFinish},
		{name: "error", model: Model{State: flow.State[Step]{Step: StepFetchInit}, Err: &Error{}}, want: StepError},
		{name: "pending retry wins over error", model: Model{Err: &Error{}, pendingRetry: StepFetchInit}, want: StepFetchInit},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.model.NextStep(); got != tt.want {
				t.Errorf("NextStep = %s, want %s", got, tt.want)
			}
		})
	}
}
