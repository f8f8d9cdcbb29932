package resolution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"tellbrandz/brand"
	"tellbrandz/payment"
	"tellbrandz/tell"
)

func TestEngine_FreeResolutionFlow(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{})
	ctx := context.Background()

	c, err := env.engine.SubmitBrandResponse(ctx, "tell-1", "rep-1", "We'll refund you")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.State != StateCustomerConsent || c.Version != 1 {
		t.Fatalf("expected customer_consent v1, got %s v%d", c.State, c.Version)
	}

	c, err = env.engine.RecordCustomerConsent(ctx, "tell-1", "author-1", true, nil)
	if err != nil {
		t.Fatalf("consent: %v", err)
	}
	if c.State != StateCompleted {
		t.Fatalf("expected completed, got %s", c.State)
	}

	events, err := env.engine.History(ctx, "tell-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 || events[0].To != StateCustomerConsent || events[1].To != StateCompleted {
		t.Fatalf("unexpected history %+v", events)
	}
	if got := env.notifier.count("author-1"); got != 1 {
		t.Fatalf("expected one customer notification, got %d", got)
	}
	if got := env.notifier.count("rep-1"); got != 1 {
		t.Fatalf("expected one brand notification, got %d", got)
	}
	if env.recorder.get(string(OpRecordCustomerConsent), "ok") != 1 {
		t.Fatal("expected consent outcome to be recorded")
	}
}

func TestEngine_BrandBeatRejected(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{})

	_, err := env.engine.SubmitBrandResponse(context.Background(), "tell-beat", "rep-1", "thanks")
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if env.store.saves != 0 {
		t.Fatal("expected nothing to be written")
	}
}

func TestEngine_UnknownTellAndActor(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{})
	ctx := context.Background()

	if _, err := env.engine.SubmitBrandResponse(ctx, "missing", "rep-1", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.engine.SubmitBrandResponse(ctx, "tell-1", "", "hi"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for anonymous actor, got %v", err)
	}
	if _, err := env.engine.SubmitBrandResponse(ctx, "tell-1", "stranger", "hi"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
	}
	if env.recorder.get(string(OpSubmitBrandResponse), "unauthorized") != 2 {
		t.Fatal("expected unauthorized outcomes to be recorded")
	}
}

func TestEngine_PolicyFailureDoesNotAdvance(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{})
	ctx := context.Background()

	if _, err := env.engine.SubmitBrandResponse(ctx, "tell-1", "rep-1", "offer"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.policies.err = errors.New("brand store down")

	_, err := env.engine.RecordCustomerConsent(ctx, "tell-1", "author-1", true, nil)
	if !errors.Is(err, ErrExternalDependency) || !Retryable(err) {
		t.Fatalf("expected retryable ErrExternalDependency, got %v", err)
	}
	_, c, _ := env.engine.Get(ctx, "tell-1")
	if c.State != StateCustomerConsent {
		t.Fatalf("expected state to stay customer_consent, got %s", c.State)
	}

	// A refusal does not need the policy.
	c, err = env.engine.RecordCustomerConsent(ctx, "tell-1", "author-1", false, nil)
	if err != nil || c.State != StateInitial {
		t.Fatalf("expected refusal to succeed, got %s %v", c.State, err)
	}
}

func TestEngine_PaidResolutionWithWebhook(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{Paid: true, Fee: 500000, Currency: "NGN"})
	ctx := context.Background()
	env.toPayment(t)

	session, err := env.engine.InitiatePayment(ctx, "tell-1", "rep-1", "rep@acme.test")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if session.AuthorizationURL == "" || session.Reference != "tbz_fixed" || session.Amount != 500000 {
		t.Fatalf("unexpected session %+v", session)
	}
	if env.payments.last.TellID != "tell-1" || env.payments.last.Currency != "NGN" {
		t.Fatalf("unexpected gateway request %+v", env.payments.last)
	}

	_, open, _ := env.engine.Get(ctx, "tell-1")
	want := &PendingPayment{Reference: "tbz_fixed", Amount: 500000, Currency: "NGN"}
	if diff := cmp.Diff(want, open.PendingPayment); diff != "" {
		t.Fatalf("pending session (-want +got):\n%s", diff)
	}
	if open.State != StatePayment || open.Version != 2 {
		t.Fatalf("opening a session must not transition, got %s v%d", open.State, open.Version)
	}

	conf := PaymentConfirmation{
		DeliveryKey: "charge.success:1",
		TellID:      "tell-1",
		Reference:   session.Reference,
		Amount:      session.Amount,
		Currency:    session.Currency,
	}
	c, err := env.engine.HandlePaymentConfirmed(ctx, conf)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if c.State != StateCompleted {
		t.Fatalf("expected completed, got %s", c.State)
	}

	// Redelivery of the same event is absorbed.
	c, err = env.engine.HandlePaymentConfirmed(ctx, conf)
	if err != nil || c.State != StateCompleted {
		t.Fatalf("expected redelivery to return completed, got %s %v", c.State, err)
	}
	// A brand confirmation with the same reference after success is a no-op too.
	if _, err := env.engine.ConfirmPayment(ctx, "tell-1", "rep-1", session.Reference); err != nil {
		t.Fatalf("expected idempotent confirm, got %v", err)
	}
	if got := env.notifier.messagesFor("author-1", "Your tell has been resolved."); got != 1 {
		t.Fatalf("expected exactly one resolved notification, got %d", got)
	}
}

func TestEngine_WebhookForOtherChargeRejected(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{Paid: true, Fee: 500000, Currency: "NGN"})
	ctx := context.Background()
	env.toPayment(t)

	// Signed but never opened by us.
	stray := PaymentConfirmation{DeliveryKey: "charge.success:9", TellID: "tell-1", Reference: "attacker-ref", Amount: 1, Currency: "NGN"}
	if _, err := env.engine.HandlePaymentConfirmed(ctx, stray); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without an open session, got %v", err)
	}

	session, err := env.engine.InitiatePayment(ctx, "tell-1", "rep-1", "rep@acme.test")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	for _, conf := range []PaymentConfirmation{
		{DeliveryKey: "charge.success:10", TellID: "tell-1", Reference: "attacker-ref", Amount: session.Amount, Currency: "NGN"},
		{DeliveryKey: "charge.success:11", TellID: "tell-1", Reference: session.Reference, Amount: 1, Currency: "NGN"},
	} {
		if _, err := env.engine.HandlePaymentConfirmed(ctx, conf); !errors.Is(err, ErrValidation) || Retryable(err) {
			t.Fatalf("expected non-retryable ErrValidation for %+v, got %v", conf, err)
		}
	}
	_, c, _ := env.engine.Get(ctx, "tell-1")
	if c.State != StatePayment {
		t.Fatalf("expected case to keep waiting for payment, got %s", c.State)
	}
	if got := env.notifier.messagesFor("author-1", "Your tell has been resolved."); got != 0 {
		t.Fatalf("expected no resolved notification, got %d", got)
	}
}

func TestEngine_ConsentByStrangerSkipsPolicy(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{Paid: true, Fee: 100})
	ctx := context.Background()

	if _, err := env.engine.SubmitBrandResponse(ctx, "tell-1", "rep-1", "offer"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.policies.err = errors.New("brand store down")

	_, err := env.engine.RecordCustomerConsent(ctx, "tell-1", "stranger", true, nil)
	if !errors.Is(err, ErrUnauthorized) || Retryable(err) {
		t.Fatalf("expected non-retryable ErrUnauthorized, got %v", err)
	}
	if env.policies.calls != 0 {
		t.Fatalf("expected no policy lookup for an unauthorized caller, got %d", env.policies.calls)
	}

	if _, err := env.engine.RecordCustomerConsent(ctx, "tell-1", "author-1", false, nil); err != nil {
		t.Fatalf("refusal: %v", err)
	}
	_, err = env.engine.RecordCustomerConsent(ctx, "tell-1", "author-1", true, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState once the case left consent, got %v", err)
	}
	if env.policies.calls != 0 {
		t.Fatalf("expected no policy lookup out of state, got %d", env.policies.calls)
	}
}

func TestEngine_WebhookRequiresPaymentState(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{Paid: true, Fee: 100})
	ctx := context.Background()

	_, err := env.engine.HandlePaymentConfirmed(ctx, PaymentConfirmation{DeliveryKey: "k1", TellID: "tell-1", Reference: "r"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := env.engine.HandlePaymentConfirmed(ctx, PaymentConfirmation{DeliveryKey: "k2", TellID: "missing", Reference: "r"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.engine.HandlePaymentConfirmed(ctx, PaymentConfirmation{DeliveryKey: "k3", Reference: "r"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestEngine_InitiatePaymentFailureDoesNotAdvance(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{Paid: true, Fee: 100, Currency: "NGN"})
	ctx := context.Background()
	env.toPayment(t)
	env.payments.err = payment.ErrProvider

	_, err := env.engine.InitiatePayment(ctx, "tell-1", "rep-1", "rep@acme.test")
	if !errors.Is(err, ErrExternalDependency) {
		t.Fatalf("expected ErrExternalDependency, got %v", err)
	}
	_, c, _ := env.engine.Get(ctx, "tell-1")
	if c.State != StatePayment {
		t.Fatalf("expected payment state to be kept, got %s", c.State)
	}

	if _, err := env.engine.InitiatePayment(ctx, "tell-1", "author-1", "a@b.c"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for customer, got %v", err)
	}
	if _, err := env.engine.InitiatePayment(ctx, "tell-1", "rep-1", " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without email, got %v", err)
	}
}

func TestEngine_CancelPaymentReturnsToConsent(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{Paid: true, Fee: 100})
	env.toPayment(t)

	c, err := env.engine.CancelPayment(context.Background(), "tell-1", "rep-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c.State != StateCustomerConsent {
		t.Fatalf("expected customer_consent, got %s", c.State)
	}
}

func TestEngine_ConcurrencyConflictWritesNothing(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{})
	ctx := context.Background()

	// Another writer lands between our read and our write.
	env.store.beforeSave = func(s *memStore) {
		c := s.cases["tell-1"]
		c.State = StateInitial
		c.Version++
		s.cases["tell-1"] = c
	}

	_, err := env.engine.SubmitBrandResponse(ctx, "tell-1", "rep-1", "offer")
	if !errors.Is(err, ErrConcurrencyConflict) || !Retryable(err) {
		t.Fatalf("expected retryable ErrConcurrencyConflict, got %v", err)
	}
	if len(env.store.events["tell-1"]) != 0 {
		t.Fatal("expected no history on a lost race")
	}
	if env.notifier.total() != 0 {
		t.Fatal("expected no notification on a lost race")
	}

	env.store.beforeSave = nil
	if _, err := env.engine.SubmitBrandResponse(ctx, "tell-1", "rep-1", "offer"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestEngine_ConcurrentConfirmIsIdempotent(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{Paid: true, Fee: 100})
	env.toPayment(t)
	saves := env.store.saves

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			c, err := env.engine.ConfirmPayment(ctx, "tell-1", "rep-1", "ref-1")
			if err != nil {
				return err
			}
			if c.State != StateCompleted {
				return errors.New("expected completed state")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent confirm: %v", err)
	}
	if env.store.saves-saves != 1 {
		t.Fatalf("expected exactly one write, got %d", env.store.saves-saves)
	}
	if got := env.notifier.messagesFor("author-1", "Your tell has been resolved."); got != 1 {
		t.Fatalf("expected one resolved notification, got %d", got)
	}
}

func TestEngine_NotifiesAfterCommit(t *testing.T) {
	env := newTestEngine(t, brand.ResolutionPolicy{})
	env.notifier.onNotify = func() {
		if env.store.current("tell-1").State != StateCustomerConsent {
			t.Errorf("notification delivered before the transition was stored")
		}
	}

	if _, err := env.engine.SubmitBrandResponse(context.Background(), "tell-1", "rep-1", "offer"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if env.notifier.total() != 1 {
		t.Fatalf("expected one notification, got %d", env.notifier.total())
	}
}

type testEnv struct {
	engine   *Engine
	store    *memStore
	policies *fakePolicies
	payments *fakeGateway
	notifier *fakeNotifier
	recorder *fakeRecorder
}

func newTestEngine(t *testing.T, policy brand.ResolutionPolicy) *testEnv {
	t.Helper()
	store := newMemStore(
		TellRef{ID: "tell-1", BrandID: "brand-1", AuthorID: "author-1", Kind: tell.KindBrandBlast},
		TellRef{ID: "tell-beat", BrandID: "brand-1", AuthorID: "author-1", Kind: tell.KindBrandBeat},
	)
	env := &testEnv{
		store:    store,
		policies: &fakePolicies{policy: policy},
		payments: &fakeGateway{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{counts: map[string]int{}},
	}
	env.engine = NewEngine(store, fakeRoles{reps: map[string]bool{"rep-1": true}}, env.policies, env.payments, env.notifier).
		WithRecorder(env.recorder).
		WithReferenceGenerator(func() string { return "tbz_fixed" })
	return env
}

func (e *testEnv) toPayment(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.engine.SubmitBrandResponse(ctx, "tell-1", "rep-1", "offer"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c, err := e.engine.RecordCustomerConsent(ctx, "tell-1", "author-1", true, nil)
	if err != nil {
		t.Fatalf("consent: %v", err)
	}
	if c.State != StatePayment {
		t.Fatalf("expected payment, got %s", c.State)
	}
}

type memStore struct {
	mu         sync.Mutex
	tells      map[string]TellRef
	cases      map[string]Case
	events     map[string][]Event
	receipts   map[string]bool
	saves      int
	beforeSave func(*memStore)
}

func newMemStore(tells ...TellRef) *memStore {
	s := &memStore{
		tells:    map[string]TellRef{},
		cases:    map[string]Case{},
		events:   map[string][]Event{},
		receipts: map[string]bool{},
	}
	for _, t := range tells {
		s.tells[t.ID] = t
	}
	return s
}

func (s *memStore) Load(_ context.Context, tellID string) (TellRef, Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tells[tellID]
	if !ok {
		return TellRef{}, Case{}, ErrNotFound
	}
	c, ok := s.cases[tellID]
	if !ok {
		c = Case{TellID: tellID, State: StateInitial}
		if t.Kind != tell.KindBrandBlast {
			c.State = StateNone
		}
	}
	return t, c, nil
}

func (s *memStore) Save(_ context.Context, params SaveParams) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeSave != nil {
		s.beforeSave(s)
	}
	if params.DeliveryKey != "" && s.receipts[params.DeliveryKey] {
		return Case{}, ErrDuplicateDelivery
	}
	if s.cases[params.Tell.ID].Version != params.ExpectedVersion {
		return Case{}, ErrConcurrencyConflict
	}
	if params.DeliveryKey != "" {
		s.receipts[params.DeliveryKey] = true
	}
	c := params.Transition.Case
	c.Version = params.ExpectedVersion + 1
	s.cases[params.Tell.ID] = c
	s.events[params.Tell.ID] = append(s.events[params.Tell.ID], Event{
		TellID:    params.Tell.ID,
		Seq:       len(s.events[params.Tell.ID]) + 1,
		Operation: params.Transition.Operation,
		From:      params.Transition.From,
		To:        c.State,
		ActorID:   params.Transition.ActorID,
	})
	s.saves++
	return c, nil
}

func (s *memStore) OpenPayment(_ context.Context, tellID string, expectedVersion int, p PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[tellID]
	if !ok || c.Version != expectedVersion || c.State != StatePayment {
		return ErrConcurrencyConflict
	}
	c.PendingPayment = &p
	s.cases[tellID] = c
	return nil
}

func (s *memStore) History(_ context.Context, tellID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events[tellID]...), nil
}

func (s *memStore) current(tellID string) Case {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cases[tellID]
}

type fakeRoles struct {
	reps map[string]bool
}

func (f fakeRoles) Roles(_ context.Context, actorID string, t TellRef) ([]Role, error) {
	var roles []Role
	if actorID == t.AuthorID {
		roles = append(roles, RoleCustomer)
	}
	if f.reps[actorID] {
		roles = append(roles, RoleBrandRepresentative)
	}
	return roles, nil
}

type fakePolicies struct {
	mu     sync.Mutex
	policy brand.ResolutionPolicy
	err    error
	calls  int
}

func (f *fakePolicies) ResolutionPolicy(context.Context, string) (brand.ResolutionPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.policy, f.err
}

type fakeGateway struct {
	last payment.InitializeRequest
	err  error
}

func (f *fakeGateway) Initialize(_ context.Context, req payment.InitializeRequest) (payment.Authorization, error) {
	f.last = req
	if f.err != nil {
		return payment.Authorization{}, f.err
	}
	return payment.Authorization{AuthorizationURL: "https://checkout.test/" + req.Reference, Reference: req.Reference}, nil
}

type notification struct {
	userID  string
	message string
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []notification
	onNotify func()
}

func (f *fakeNotifier) Notify(_ context.Context, userID, _ string, message string) {
	if f.onNotify != nil {
		f.onNotify()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{userID: userID, message: message})
}

func (f *fakeNotifier) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.userID == userID {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) messagesFor(userID, message string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.userID == userID && s.message == message {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeRecorder) ObserveTransition(operation, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[operation+"/"+outcome]++
}

func (f *fakeRecorder) get(operation, outcome string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[operation+"/"+outcome]
}
