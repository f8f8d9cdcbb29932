package resolution

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tellbrandz/tell"
)

var (
	blast = TellRef{ID: "tell-1", BrandID: "brand-1", AuthorID: "author-1", Kind: tell.KindBrandBlast}
	beat  = TellRef{ID: "tell-2", BrandID: "brand-1", AuthorID: "author-1", Kind: tell.KindBrandBeat}

	brandRep = []Role{RoleBrandRepresentative}
	customer = []Role{RoleCustomer}
	system   = []Role{RoleSystem}
)

func submit(text string) Command {
	return Command{Operation: OpSubmitBrandResponse, ActorID: "rep-1", Roles: brandRep, ResponseText: text}
}

func consent(satisfied, paid bool) Command {
	return Command{Operation: OpRecordCustomerConsent, ActorID: "author-1", Roles: customer, Satisfied: satisfied, PaidResolution: paid}
}

func confirm(ref string) Command {
	return Command{Operation: OpConfirmPayment, ActorID: "rep-1", Roles: brandRep, PaymentReference: ref}
}

func webhook(ref string, amount int64, currency string) Command {
	return Command{
		Operation:        OpConfirmPayment,
		ActorID:          SystemActorID,
		Roles:            system,
		PaymentReference: ref,
		PaymentAmount:    amount,
		PaymentCurrency:  currency,
	}
}

func cancel() Command {
	return Command{Operation: OpCancelPayment, ActorID: "rep-1", Roles: brandRep}
}

func mustApply(t *testing.T, tr TellRef, c Case, cmd Command) Transition {
	t.Helper()
	out, err := Apply(tr, c, cmd)
	if err != nil {
		t.Fatalf("%s from %s: unexpected error %v", cmd.Operation, c.State, err)
	}
	return out
}

func TestApply_BrandBeatNeverEntersWorkflow(t *testing.T) {
	cmds := []Command{submit("thanks"), consent(true, false), confirm("ref"), cancel()}
	for _, cmd := range cmds {
		_, err := Apply(beat, Case{State: StateNone}, cmd)
		if !errors.Is(err, ErrNotEligible) {
			t.Fatalf("%s: expected ErrNotEligible, got %v", cmd.Operation, err)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrNotEligible to be a validation error", cmd.Operation)
		}
	}
	if err := Authorize(beat, Case{}, OpInitiatePayment, brandRep); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible from Authorize, got %v", err)
	}
}

func TestApply_SubmitOnlyFromInitial(t *testing.T) {
	for _, s := range []State{StateCustomerConsent, StatePayment, StateCompleted} {
		_, err := Apply(blast, Case{State: s, Version: 3}, submit("hello"))
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("state %s: expected ErrInvalidState, got %v", s, err)
		}
	}
}

func TestApply_SubmitValidation(t *testing.T) {
	if _, err := Apply(blast, Case{}, submit("   ")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank text, got %v", err)
	}
	long := strings.Repeat("é", maxResponseLength+1)
	if _, err := Apply(blast, Case{}, submit(long)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for long text, got %v", err)
	}
	cmd := submit("hi")
	cmd.Roles = customer
	if _, err := Apply(blast, Case{}, cmd); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for customer, got %v", err)
	}
}

func TestApply_ConsentOnlyByAuthor(t *testing.T) {
	c := Case{State: StateCustomerConsent, Version: 1}

	other := consent(true, false)
	other.ActorID = "someone-else"
	if _, err := Apply(blast, c, other); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-author, got %v", err)
	}

	rep := consent(true, false)
	rep.ActorID = "author-1"
	rep.Roles = brandRep
	if _, err := Apply(blast, c, rep); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without customer role, got %v", err)
	}

	if _, err := Apply(blast, Case{State: StateInitial}, consent(true, false)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before a response, got %v", err)
	}
}

func TestApply_ErrorLeavesCaseUntouched(t *testing.T) {
	text := "original"
	c := Case{State: StatePayment, BrandResponseText: &text, Version: 4}
	before := c

	if _, err := Apply(blast, c, submit("new")); err == nil {
		t.Fatal("expected error")
	}
	if diff := cmp.Diff(before, c); diff != "" {
		t.Fatalf("case mutated (-before +after):\n%s", diff)
	}
}

func TestApply_ConfirmPayment(t *testing.T) {
	c := Case{State: StatePayment, Version: 3}

	out := mustApply(t, blast, c, confirm(" ref-1 "))
	if out.Case.State != StateCompleted {
		t.Fatalf("expected completed, got %s", out.Case.State)
	}
	if out.Case.PaymentReference == nil || *out.Case.PaymentReference != "ref-1" {
		t.Fatalf("expected trimmed reference, got %v", out.Case.PaymentReference)
	}
	want := []Effect{
		{Kind: EffectMarkResolved, Recipient: "tell-1"},
		{Kind: EffectNotifyCustomer, Recipient: "author-1", Message: "Your tell has been resolved."},
	}
	if diff := cmp.Diff(want, out.Effects); diff != "" {
		t.Fatalf("effects (-want +got):\n%s", diff)
	}

	open := c
	open.PendingPayment = &PendingPayment{Reference: "ref-1", Amount: 500000, Currency: "NGN"}
	sys := webhook("ref-1", 500000, "ngn")
	out = mustApply(t, blast, open, sys)
	if out.Case.State != StateCompleted || out.Case.PendingPayment != nil {
		t.Fatalf("expected completed with the session closed, got %s %+v", out.Case.State, out.Case.PendingPayment)
	}

	cust := confirm("ref-1")
	cust.Roles = customer
	if _, err := Apply(blast, c, cust); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := Apply(blast, c, confirm("")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty reference, got %v", err)
	}
	if _, err := Apply(blast, Case{State: StateCustomerConsent}, confirm("ref-1")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestApply_WebhookMustMatchOpenSession(t *testing.T) {
	open := Case{
		State:          StatePayment,
		Version:        3,
		PendingPayment: &PendingPayment{Reference: "tbz_1", Amount: 500000, Currency: "NGN"},
	}
	tests := []struct {
		name string
		c    Case
		cmd  Command
	}{
		{"no session", Case{State: StatePayment, Version: 3}, webhook("tbz_1", 500000, "NGN")},
		{"other reference", open, webhook("attacker-ref", 500000, "NGN")},
		{"short amount", open, webhook("tbz_1", 1, "NGN")},
		{"other currency", open, webhook("tbz_1", 500000, "USD")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(blast, tc.c, tc.cmd)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	// A brand representative confirming by hand is not bound to the session.
	if _, err := Apply(blast, Case{State: StatePayment, Version: 3}, confirm("offline-1")); err != nil {
		t.Fatalf("expected manual confirmation to succeed, got %v", err)
	}
}

func TestApply_ConfirmPaymentIdempotent(t *testing.T) {
	first := mustApply(t, blast, Case{State: StatePayment, Version: 3}, confirm("ref-1"))

	again := mustApply(t, blast, first.Case, confirm("ref-1"))
	if !again.NoOp {
		t.Fatal("expected replay to be a no-op")
	}
	if len(again.Effects) != 0 {
		t.Fatalf("expected no effects on replay, got %v", again.Effects)
	}
	if again.Case.State != StateCompleted {
		t.Fatalf("expected completed, got %s", again.Case.State)
	}

	if _, err := Apply(blast, first.Case, confirm("ref-2")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a different reference, got %v", err)
	}
}

func TestApply_CancelPayment(t *testing.T) {
	yes := true
	c := Case{State: StatePayment, CustomerSatisfied: &yes, Version: 3}

	out := mustApply(t, blast, c, cancel())
	if out.Case.State != StateCustomerConsent {
		t.Fatalf("expected customer_consent, got %s", out.Case.State)
	}
	if out.Case.CustomerSatisfied != nil {
		t.Fatal("expected consent to be cleared")
	}
	withSession := c
	withSession.PendingPayment = &PendingPayment{Reference: "tbz_1", Amount: 100}
	if out := mustApply(t, blast, withSession, cancel()); out.Case.PendingPayment != nil {
		t.Fatal("expected the abandoned session to be cleared")
	}

	sys := cancel()
	sys.Roles = system
	if _, err := Apply(blast, c, sys); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for system cancel, got %v", err)
	}
	if _, err := Apply(blast, Case{State: StateCompleted}, cancel()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestApply_CompletedIsTerminal(t *testing.T) {
	c := Case{State: StateCompleted, Version: 5}
	for _, cmd := range []Command{submit("x"), consent(true, false), consent(false, false), cancel(), confirm("new")} {
		if _, err := Apply(blast, c, cmd); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s: expected ErrInvalidState, got %v", cmd.Operation, err)
		}
	}
}

// Every path into completed passes through customer_consent.
func TestApply_NoStepSkipped(t *testing.T) {
	cmds := []Command{
		submit("offer"), consent(true, false), consent(true, true), consent(false, false),
		confirm("ref"), cancel(),
	}
	type node struct {
		c           Case
		seenConsent bool
	}
	queue := []node{{c: Case{State: StateInitial}}}
	visited := map[string]bool{}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		key := string(n.c.State) + "|" + boolKey(n.seenConsent)
		if visited[key] {
			continue
		}
		visited[key] = true

		for _, cmd := range cmds {
			out, err := Apply(blast, n.c, cmd)
			if err != nil || out.NoOp {
				continue
			}
			seen := n.seenConsent || n.c.State == StateCustomerConsent
			if out.Case.State == StateCompleted && !seen {
				t.Fatalf("reached completed via %s without passing customer_consent", cmd.Operation)
			}
			if out.Case.State == StateBrandResponse {
				t.Fatal("transient brand_response state must never be produced")
			}
			queue = append(queue, node{c: out.Case, seenConsent: seen})
		}
	}
	if !visited[string(StateCompleted)+"|true"] {
		t.Fatal("expected completed to be reachable")
	}
}

func boolKey(b bool) string {
	if b {
		return "t"
	}
	return "f"
}

func TestScenario_FreeResolution(t *testing.T) {
	c := Case{}
	tr := mustApply(t, blast, c, submit("We'll refund you"))
	if tr.Case.State != StateCustomerConsent {
		t.Fatalf("expected customer_consent, got %s", tr.Case.State)
	}
	if tr.Case.BrandResponseText == nil || *tr.Case.BrandResponseText != "We'll refund you" {
		t.Fatalf("unexpected response text %v", tr.Case.BrandResponseText)
	}
	if diff := cmp.Diff([]Effect{{Kind: EffectNotifyCustomer, Recipient: "author-1", Message: tr.Effects[0].Message}}, tr.Effects); diff != "" {
		t.Fatalf("effects (-want +got):\n%s", diff)
	}

	tr = mustApply(t, blast, tr.Case, consent(true, false))
	if tr.Case.State != StateCompleted {
		t.Fatalf("expected completed, got %s", tr.Case.State)
	}
	var resolved, notifiedBrand bool
	for _, e := range tr.Effects {
		switch e.Kind {
		case EffectMarkResolved:
			resolved = e.Recipient == "tell-1"
		case EffectNotifyBrand:
			notifiedBrand = e.Recipient == "rep-1"
		}
	}
	if !resolved || !notifiedBrand {
		t.Fatalf("expected mark_resolved and brand notification, got %v", tr.Effects)
	}
}

func TestScenario_RejectedThenResubmitted(t *testing.T) {
	tr := mustApply(t, blast, Case{}, submit("first offer"))

	reject := consent(false, false)
	feedback := "not enough"
	reject.Feedback = &feedback
	tr = mustApply(t, blast, tr.Case, reject)
	if tr.Case.State != StateInitial {
		t.Fatalf("expected initial, got %s", tr.Case.State)
	}
	if tr.Case.CustomerFeedback == nil || *tr.Case.CustomerFeedback != "not enough" {
		t.Fatalf("expected feedback to be recorded, got %v", tr.Case.CustomerFeedback)
	}
	if tr.Case.BrandResponseText == nil || *tr.Case.BrandResponseText != "first offer" {
		t.Fatal("expected prior response to be retained")
	}

	if _, err := Apply(blast, tr.Case, consent(true, false)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected a new response to be required, got %v", err)
	}

	tr = mustApply(t, blast, tr.Case, submit("improved offer"))
	if tr.Case.State != StateCustomerConsent {
		t.Fatalf("expected customer_consent, got %s", tr.Case.State)
	}
	if tr.Case.ResponseCount != 2 {
		t.Fatalf("expected two responses, got %d", tr.Case.ResponseCount)
	}
	if tr.Case.CustomerSatisfied != nil || tr.Case.CustomerFeedback != nil {
		t.Fatal("expected verdict of the previous round to be cleared")
	}
}

func TestScenario_PaidResolutionCancelled(t *testing.T) {
	tr := mustApply(t, blast, Case{}, submit("offer"))
	tr = mustApply(t, blast, tr.Case, consent(true, true))
	if tr.Case.State != StatePayment {
		t.Fatalf("expected payment, got %s", tr.Case.State)
	}
	if err := Authorize(blast, tr.Case, OpInitiatePayment, brandRep); err != nil {
		t.Fatalf("expected brand rep to initiate payment, got %v", err)
	}
	if err := Authorize(blast, tr.Case, OpInitiatePayment, customer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	tr = mustApply(t, blast, tr.Case, cancel())
	if tr.Case.State != StateCustomerConsent {
		t.Fatalf("expected customer_consent after cancel, got %s", tr.Case.State)
	}
	if err := Authorize(blast, tr.Case, OpInitiatePayment, brandRep); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCodeAndRetryable(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{ErrNotEligible, "not_eligible", false},
		{ErrUnauthorized, "unauthorized", false},
		{invalidState(OpCancelPayment, StateInitial), "invalid_state", false},
		{ErrValidation, "validation_error", false},
		{ErrExternalDependency, "external_dependency_failure", true},
		{ErrConcurrencyConflict, "concurrency_conflict", true},
		{ErrNotFound, "not_found", false},
		{errors.New("boom"), "internal", false},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.code {
			t.Errorf("Code(%v) = %q, want %q", tc.err, got, tc.code)
		}
		if got := Retryable(tc.err); got != tc.retryable {
			t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}
