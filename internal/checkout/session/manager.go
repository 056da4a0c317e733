package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"checkoutcore/internal/checkout/addcard"
	"checkoutcore/internal/checkout/domain"
	"checkoutcore/internal/checkout/esc"
	"checkoutcore/internal/checkout/flow"
	"checkoutcore/internal/checkout/hooks"
	"checkoutcore/internal/checkout/initflow"
	"checkoutcore/internal/checkout/onetap"
	"checkoutcore/internal/checkout/payment"
	"checkoutcore/internal/checkout/service"
	"checkoutcore/internal/checkout/snapshot"
	"checkoutcore/internal/common/events"
	"checkoutcore/internal/journal"
)

var (
	ErrInvalidRequest   = errors.New("session: invalid request")
	ErrTooManyRefreshes = errors.New("session: too many init refreshes")
)

// Config holds session configuration
type Config struct {
	ScreenTimeout time.Duration `envconfig:"SESSION_SCREEN_TIMEOUT" default:"10m"`
	Retention     time.Duration `envconfig:"SESSION_RETENTION" default:"30m"`
	MaxRestarts   int           `envconfig:"SESSION_MAX_RESTARTS" default:"3"`
}

// Policy is the site policy sessions apply.
type Policy interface {
	initflow.SitePolicy
	ChargeRules(siteID string) []domain.ChargeRule
}

// Recorder persists finished sessions.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Adapter service.Adapter
	// ESCStore backs the ESC cache. Each payer sees a scoped view of it.
	ESCStore  esc.Store
	ESC       esc.Config
	Policy    Policy
	Processor payment.Processor
	Publisher events.Publisher
	Journal   Recorder
	Logger    *slog.Logger
}

// Manager owns the sessions of the process.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager
func NewManager(cfg Config, deps Deps) *Manager {
	if deps.ESCStore == nil {
		deps.ESCStore = esc.NewMemoryStore()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "session"),
		now:      time.Now,
		base:     base,
		stop:     stop,
		sessions: make(map[string]*Session),
	}
}

// CheckoutRequest starts a checkout session.
type CheckoutRequest struct {
	PayerID       string
	CorrelationID string
	Preference    *domain.CheckoutPreference
	Advanced      snapshot.AdvancedConfig
	// ChargeRules default to the site's rules when empty.
	ChargeRules []domain.ChargeRule
	Hooks       []hooks.Hook
}

// CardRequest starts a card association session.
type CardRequest struct {
	PayerID       string
	CorrelationID string
	AccessToken   string
	SkipCongrats  bool
}

// StartCheckout starts a checkout session in the background.
func (m *Manager) StartCheckout(ctx context.Context, req CheckoutRequest) (*Session, error) {
	if req.Preference == nil {
		return nil, fmt.Errorf("%w: preference is required", ErrInvalidRequest)
	}

	pref := req.Preference.Clone()
	rules := req.ChargeRules
	if len(rules) == 0 && m.deps.Policy != nil {
		rules = m.deps.Policy.ChargeRules(pref.SiteID)
	}
	sc := snapshot.Context{Preference: pref, Advanced: req.Advanced, ChargeRules: rules}

	reg := hooks.NewRegistry()
	for _, h := range req.Hooks {
		if !reg.Register(h) {
			return nil, fmt.Errorf("%w: a hook is already registered at %s", ErrInvalidRequest, h.Point)
		}
	}

	s := m.add(KindCheckout, req.PayerID, req.CorrelationID)
	m.publish(ctx, s, events.EventSessionStarted, events.SessionStartedData{
		Kind:         string(s.Kind),
		PreferenceID: pref.ID,
		SiteID:       pref.SiteID,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(s.done)
		outcome, err := m.runCheckout(s, sc, reg)
		m.finish(s, outcome, err)
	}()
	return s, nil
}

// StartCardAssociation starts an add-card session in the background.
func (m *Manager) StartCardAssociation(ctx context.Context, req CardRequest) (*Session, error) {
	if req.AccessToken == "" {
		return nil, fmt.Errorf("%w: access token is required", ErrInvalidRequest)
	}

	s := m.add(KindCard, req.PayerID, req.CorrelationID)
	m.publish(ctx, s, events.EventSessionStarted, events.SessionStartedData{Kind: string(s.Kind)})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(s.done)
		outcome, err := m.runCard(s, req)
		m.finish(s, outcome, err)
	}()
	return s, nil
}

// Get returns a session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Reply answers the pending screen of a session
func (m *Manager) Reply(id string, screen ScreenName, raw []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.bridge.Deliver(screen, raw)
}

// Cancel cancels a session
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Cancel()
}

// Retry resumes a session from the step that failed
func (m *Manager) Retry(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.requestRetry()
}

// Shutdown cancels every running session and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, s := range m.sessions {
		_ = s.Cancel()
	}
	m.mu.RUnlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) add(kind Kind, payerID, correlationID string) *Session {
	now := m.now()
	s := newSession(m.base, ulid.Make().String(), kind, payerID, NewBridge(m.cfg.ScreenTimeout), m.logger, now)
	s.CorrelationID = correlationID

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Retention > 0 {
		cutoff := now.Add(-m.cfg.Retention)
		for id, old := range m.sessions {
			if old.finishedBefore(cutoff) {
				delete(m.sessions, id)
			}
		}
	}
	m.sessions[s.ID] = s
	s.logger.Info("session started", "payer_id", payerID)
	return s
}

func (m *Manager) escFor(s *Session) *esc.Manager {
	return esc.NewManager(esc.Scoped(m.deps.ESCStore, s.PayerID), m.deps.ESC, s.logger)
}

// runCheckout resolves the search and runs the express flow on the
// selected option. A refresh request from the payer runs init again.
func (m *Manager) runCheckout(s *Session, sc snapshot.Context, reg *hooks.Registry) (*Outcome, error) {
	ctx := s.ctx
	cache := m.escFor(s)
	holder := snapshot.NewHolder(&snapshot.Snapshot{Preference: sc.Preference})

	var cardID string
	for refresh := 0; ; refresh++ {
		resolve := initflow.New(sc, initflow.Deps{
			Adapter: m.deps.Adapter,
			Cards:   cache,
			Policy:  m.deps.Policy,
			Holder:  holder,
			Logger:  s.logger,
		})
		res, err := runStage[initflow.Result](ctx, m, s, resolve, func() {
			resolve.SetPendingRetry(initflow.StepFetchInit)
		})
		if err != nil {
			return nil, err
		}

		opt, ok := selectOption(res.Search, cardID)
		if !ok {
			return &Outcome{Kind: OutcomePaymentMethodSelection, Preference: res.Preference, Search: res.Search}, nil
		}

		ot, err := onetap.New(sc, onetap.Params{Selected: opt, Processor: m.deps.Processor}, onetap.Deps{
			Adapter:   m.deps.Adapter,
			ESC:       cache,
			Hooks:     reg,
			Holder:    holder,
			Navigator: s.bridge,
			Logger:    s.logger,
		})
		if err != nil {
			return nil, err
		}
		out, err := runStage[onetap.Result](ctx, m, s, ot, nil)
		if err != nil {
			return nil, err
		}

		switch out.Outcome {
		case onetap.OutcomePaid:
			return &Outcome{Kind: OutcomePaid, Payment: out.Payment, PaymentData: out.PaymentData}, nil
		case onetap.OutcomeNewPaymentSelection:
			snap := holder.Load()
			return &Outcome{Kind: OutcomePaymentMethodSelection, Preference: snap.Preference, Search: snap.Search}, nil
		case onetap.OutcomeRefreshInit:
			if refresh >= m.cfg.MaxRestarts {
				return nil, ErrTooManyRefreshes
			}
			s.logger.Info("refreshing init", "card_id", out.CardID)
			cardID = out.CardID
			reg.ResetShown()
		default:
			return &Outcome{Kind: OutcomeIncomplete, PaymentData: out.PaymentData}, nil
		}
	}
}

// selectOption picks the option to run the express flow on: the card the
// payer asked a refresh for, or the automatic choice.
func selectOption(search *domain.InitSearch, cardID string) (domain.PaymentOption, bool) {
	if !search.HasDefaultOption() {
		return domain.PaymentOption{}, false
	}
	if cardID != "" {
		if o, ok := search.CustomOption(cardID); ok {
			return o, true
		}
	}
	return onetap.AutoSelect(search, nil)
}

// runCard runs card association. A failure that asks for a restart starts
// a fresh flow, up to MaxRestarts times.
func (m *Manager) runCard(s *Session, req CardRequest) (*Outcome, error) {
	ctx := s.ctx
	cache := m.escFor(s)

	for attempt := 0; ; attempt++ {
		f := addcard.New(addcard.Params{AccessToken: req.AccessToken, SkipCongrats: req.SkipCongrats}, addcard.Deps{
			Adapter:   m.deps.Adapter,
			ESC:       cache,
			Navigator: s.bridge,
			Logger:    s.logger,
		})
		res, err := runStage[addcard.Result](ctx, m, s, f, nil)
		if err == nil {
			return &Outcome{Kind: OutcomeCardAssociated, Card: &res}, nil
		}

		var fail *addcard.Failure
		if !errors.As(err, &fail) {
			return nil, err
		}
		if !fail.ShouldRestart {
			return nil, fmt.Errorf("%w: %w", flow.ErrCanceled, err)
		}
		if attempt >= m.cfg.MaxRestarts {
			return nil, err
		}
		s.logger.Info("restarting card association", "attempt", attempt+1, "error", fail.Err)
	}
}

type runner[R any] interface {
	Run(ctx context.Context, cb flow.Callbacks[R]) (R, error)
	Cancel()
}

type flowResult[R any] struct {
	value R
	err   error
}

// runStage runs f until it succeeds or fails for good. The outcome comes
// from the flow callbacks, so a cancel is seen before the handler in
// flight returns. A retryable failure parks the session until the client
// retries or cancels.
func runStage[R any](ctx context.Context, m *Manager, s *Session, f runner[R], beforeRetry func()) (R, error) {
	var zero R
	s.setFlow(f.Cancel)
	defer s.setFlow(nil)

	for {
		results := make(chan flowResult[R], 1)
		returned := make(chan struct{})
		cb := flow.Callbacks[R]{
			OnSuccess: func(v R) { results <- flowResult[R]{value: v} },
			OnFailure: func(err error) { results <- flowResult[R]{err: err} },
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer close(returned)
			if _, err := f.Run(ctx, cb); errors.Is(err, flow.ErrRunning) {
				cb.OnFailure(err)
			}
		}()

		res := <-results
		if res.err == nil {
			return res.value, nil
		}
		if !flow.IsRetryable(res.err) || s.isCanceled() {
			return zero, res.err
		}

		<-returned
		if !s.suspend(res.err) {
			return zero, flow.ErrCanceled
		}
		s.logger.Warn("session waiting for retry", "error", res.err)

		select {
		case <-s.retry:
			s.resume()
			if beforeRetry != nil {
				beforeRetry()
			}
		case <-s.stop:
			return zero, flow.ErrCanceled
		case <-ctx.Done():
			return zero, res.err
		}
	}
}

func (m *Manager) finish(s *Session, outcome *Outcome, err error) {
	status := StatusSucceeded
	switch {
	case err == nil:
	case errors.Is(err, flow.ErrCanceled) || s.isCanceled():
		status = StatusCanceled
	default:
		status = StatusFailed
	}
	now := m.now()
	s.finish(status, outcome, err, now)

	if err != nil {
		s.logger.Info("session finished", "status", status, "error", err)
	} else {
		s.logger.Info("session finished", "status", status, "outcome", outcome.Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.record(ctx, s, status, outcome, err, now)

	data := events.SessionFinishedData{Kind: string(s.Kind), Status: string(status)}
	if outcome != nil {
		data.Outcome = string(outcome.Kind)
	}
	if err != nil {
		data.Error = err.Error()
	}
	m.publish(ctx, s, events.EventSessionFinished, data)

	if outcome == nil {
		return
	}
	if outcome.Payment != nil {
		m.publish(ctx, s, events.EventPaymentResult, paymentResultData(outcome.Payment))
	}
	if c := outcome.Card; c != nil && c.Card != nil {
		d := events.CardAssociatedData{CardID: c.Card.CardID, LastFourDigits: c.Card.LastFourDigits}
		if c.PaymentMethod != nil {
			d.PaymentMethodID = c.PaymentMethod.ID
		}
		m.publish(ctx, s, events.EventCardAssociated, d)
	}
}

func paymentResultData(r *payment.Result) events.PaymentResultData {
	total := r.Amount.Total
	d := events.PaymentResultData{}
	if !total.IsZero() {
		d.Total = &total
	}
	switch {
	case r.PaymentResult != nil:
		p := r.PaymentResult
		if p.PaymentID != "" {
			d.PaymentIDs = []string{p.PaymentID}
		}
		d.Status = string(p.Status)
		d.StatusDetail = p.StatusDetail
		d.PaymentMethodID = p.PaymentMethodID
		d.PaymentTypeID = string(p.PaymentTypeID)
	case r.BusinessResult != nil:
		b := r.BusinessResult
		d.Business = true
		d.PaymentIDs = b.PaymentIDs()
		d.Status = string(b.PaymentStatus)
		d.StatusDetail = b.PaymentStatusDetail
		d.PaymentMethodID = b.PaymentMethodID
		d.PaymentTypeID = string(b.PaymentTypeID)
	}
	return d
}

func (m *Manager) record(ctx context.Context, s *Session, status Status, outcome *Outcome, err error, now time.Time) {
	if m.deps.Journal == nil {
		return
	}
	e := journal.Entry{
		SessionID:  s.ID,
		Kind:       string(s.Kind),
		PayerID:    s.PayerID,
		Status:     string(status),
		StartedAt:  s.CreatedAt,
		FinishedAt: now,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if outcome != nil {
		e.Outcome = string(outcome.Kind)
		if outcome.Payment != nil {
			d := paymentResultData(outcome.Payment)
			e.PaymentIDs = d.PaymentIDs
			e.PaymentStatus = d.Status
			e.StatusDetail = d.StatusDetail
			e.PaymentMethodID = d.PaymentMethodID
			e.Amount = d.Total
		}
		if outcome.Card != nil && outcome.Card.Card != nil {
			e.CardID = outcome.Card.Card.CardID
		}
	}
	if err := m.deps.Journal.Record(ctx, e); err != nil {
		s.logger.Error("recording session failed", "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, s *Session, eventType string, data any) {
	if m.deps.Publisher == nil {
		return
	}
	evt, err := events.NewEvent(eventType, s.ID, s.PayerID, data)
	if err != nil {
		s.logger.Error("building event failed", "type", eventType, "error", err)
		return
	}
	evt.WithCorrelation(s.CorrelationID)
	if err := m.deps.Publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("publishing event failed", "type", eventType, "error", err)
	}
}
