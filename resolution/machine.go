package resolution

import (
	"fmt"
	"strings"

	"tellbrandz/tell"
)

const maxResponseLength = 5000

// Apply is the transition function of the workflow. It is pure: it never
// touches storage or collaborators, and on error the input case is unchanged.
//
//	initial          --submit (brand)-------------------> customer_consent
//	customer_consent --consent=true (customer), free----> completed
//	customer_consent --consent=true (customer), paid----> payment
//	customer_consent --consent=false (customer)---------> initial
//	payment          --confirm (brand|system)-----------> completed
//	payment          --cancel (brand)-------------------> customer_consent
func Apply(t TellRef, c Case, cmd Command) (Transition, error) {
	if t.Kind != tell.KindBrandBlast {
		return Transition{}, ErrNotEligible
	}
	if c.State == "" {
		c.State = StateInitial
	}
	c.TellID = t.ID

	switch cmd.Operation {
	case OpSubmitBrandResponse:
		return submitBrandResponse(t, c, cmd)
	case OpRecordCustomerConsent:
		return recordCustomerConsent(t, c, cmd)
	case OpConfirmPayment:
		return confirmPayment(t, c, cmd)
	case OpCancelPayment:
		return cancelPayment(t, c, cmd)
	default:
		return Transition{}, fmt.Errorf("%w: unknown operation %q", ErrValidation, cmd.Operation)
	}
}

// Authorize checks that cmd's actor may run op against the case in its current
// state, without applying anything. Used for operations that call out to
// collaborators before (or instead of) transitioning.
func Authorize(t TellRef, c Case, op Operation, roles []Role) error {
	if t.Kind != tell.KindBrandBlast {
		return ErrNotEligible
	}
	if c.State == "" {
		c.State = StateInitial
	}
	switch op {
	case OpInitiatePayment:
		if !holds(roles, RoleBrandRepresentative) {
			return ErrUnauthorized
		}
		if c.State != StatePayment {
			return invalidState(op, c.State)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrValidation, op)
	}
}

func submitBrandResponse(t TellRef, c Case, cmd Command) (Transition, error) {
	if !holds(cmd.Roles, RoleBrandRepresentative) {
		return Transition{}, ErrUnauthorized
	}
	if c.State != StateInitial {
		return Transition{}, invalidState(cmd.Operation, c.State)
	}
	text := strings.TrimSpace(cmd.ResponseText)
	if text == "" {
		return Transition{}, fmt.Errorf("%w: response text required", ErrValidation)
	}
	if len([]rune(text)) > maxResponseLength {
		return Transition{}, fmt.Errorf("%w: response longer than %d characters", ErrValidation, maxResponseLength)
	}

	from := c.State
	actor := cmd.ActorID
	c.BrandResponseText = &text
	c.RespondedBy = &actor
	c.ResponseCount++
	c.CustomerSatisfied = nil
	c.CustomerFeedback = nil
	c.State = StateCustomerConsent

	return Transition{
		Operation: cmd.Operation,
		ActorID:   cmd.ActorID,
		From:      from,
		Case:      c,
		Effects: []Effect{{
			Kind:      EffectNotifyCustomer,
			Recipient: t.AuthorID,
			Message:   "The brand responded to your tell. Let them know if you are satisfied.",
		}},
	}, nil
}

func recordCustomerConsent(t TellRef, c Case, cmd Command) (Transition, error) {
	if cmd.ActorID == "" || cmd.ActorID != t.AuthorID || !holds(cmd.Roles, RoleCustomer) {
		return Transition{}, ErrUnauthorized
	}
	if c.State != StateCustomerConsent {
		return Transition{}, invalidState(cmd.Operation, c.State)
	}

	from := c.State
	satisfied := cmd.Satisfied
	c.CustomerSatisfied = &satisfied
	c.CustomerFeedback = trimmedOrNil(cmd.Feedback)

	var effects []Effect
	switch {
	case !satisfied:
		c.State = StateInitial
		effects = append(effects, notifyBrand(c, "The customer was not satisfied with your response. Please respond again."))
	case cmd.PaidResolution:
		c.State = StatePayment
		effects = append(effects, notifyBrand(c, "The customer accepted your resolution. Complete the resolution payment to close it."))
	default:
		c.State = StateCompleted
		effects = append(effects,
			Effect{Kind: EffectMarkResolved, Recipient: t.ID},
			notifyBrand(c, "The customer accepted your resolution. The tell is now resolved."),
		)
	}

	return Transition{
		Operation: cmd.Operation,
		ActorID:   cmd.ActorID,
		From:      from,
		Case:      c,
		Effects:   compact(effects),
	}, nil
}

func confirmPayment(t TellRef, c Case, cmd Command) (Transition, error) {
	if !holds(cmd.Roles, RoleBrandRepresentative, RoleSystem) {
		return Transition{}, ErrUnauthorized
	}
	ref := strings.TrimSpace(cmd.PaymentReference)
	if ref == "" {
		return Transition{}, fmt.Errorf("%w: payment reference required", ErrValidation)
	}
	if c.State == StateCompleted && c.PaymentReference != nil && *c.PaymentReference == ref {
		return Transition{
			Operation: cmd.Operation,
			ActorID:   cmd.ActorID,
			From:      c.State,
			Case:      c,
			NoOp:      true,
		}, nil
	}
	if c.State != StatePayment {
		return Transition{}, invalidState(cmd.Operation, c.State)
	}
	if holds(cmd.Roles, RoleSystem) {
		if err := matchPending(c.PendingPayment, ref, cmd.PaymentAmount, cmd.PaymentCurrency); err != nil {
			return Transition{}, err
		}
	}

	from := c.State
	c.PaymentReference = &ref
	c.PendingPayment = nil
	c.State = StateCompleted

	return Transition{
		Operation: cmd.Operation,
		ActorID:   cmd.ActorID,
		From:      from,
		Case:      c,
		Effects: []Effect{
			{Kind: EffectMarkResolved, Recipient: t.ID},
			{Kind: EffectNotifyCustomer, Recipient: t.AuthorID, Message: "Your tell has been resolved."},
		},
	}, nil
}

func cancelPayment(t TellRef, c Case, cmd Command) (Transition, error) {
	if !holds(cmd.Roles, RoleBrandRepresentative) {
		return Transition{}, ErrUnauthorized
	}
	if c.State != StatePayment {
		return Transition{}, invalidState(cmd.Operation, c.State)
	}

	from := c.State
	c.State = StateCustomerConsent
	c.CustomerSatisfied = nil
	c.PendingPayment = nil

	return Transition{
		Operation: cmd.Operation,
		ActorID:   cmd.ActorID,
		From:      from,
		Case:      c,
		Effects: []Effect{{
			Kind:      EffectNotifyCustomer,
			Recipient: t.AuthorID,
			Message:   "The brand cancelled the resolution payment. Please confirm the resolution again.",
		}},
	}, nil
}

// matchPending checks a provider-reported charge against the checkout the
// engine opened. Anything else paid against the tell is not this resolution.
func matchPending(p *PendingPayment, ref string, amount int64, currency string) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: no payment session open", ErrValidation)
	case ref != p.Reference:
		return fmt.Errorf("%w: payment reference %q does not match the open session", ErrValidation, ref)
	case amount != p.Amount:
		return fmt.Errorf("%w: charged %d, expected %d", ErrValidation, amount, p.Amount)
	case p.Currency != "" && !strings.EqualFold(currency, p.Currency):
		return fmt.Errorf("%w: charged in %q, expected %q", ErrValidation, currency, p.Currency)
	}
	return nil
}

func notifyBrand(c Case, msg string) Effect {
	if c.RespondedBy == nil || *c.RespondedBy == "" {
		return Effect{}
	}
	return Effect{Kind: EffectNotifyBrand, Recipient: *c.RespondedBy, Message: msg}
}

func compact(effects []Effect) []Effect {
	out := effects[:0]
	for _, e := range effects {
		if e.Kind != "" {
			out = append(out, e)
		}
	}
	return out
}

func holds(roles []Role, want ...Role) bool {
	for _, r := range roles {
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}

func invalidState(op Operation, s State) error {
	return fmt.Errorf("%w: %s not allowed from %s", ErrInvalidState, op, s)
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
