package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tellbrandz/brand"
	"tellbrandz/logging"
	"tellbrandz/payment"
)

// Store is the persistence collaborator. Save is a conditional write: it must
// fail with ErrConcurrencyConflict, writing nothing, when the stored version is
// not params.ExpectedVersion. OpenPayment records the checkout session on a
// case in StatePayment under the same version guard, without changing state.
type Store interface {
	Load(ctx context.Context, tellID string) (TellRef, Case, error)
	Save(ctx context.Context, params SaveParams) (Case, error)
	OpenPayment(ctx context.Context, tellID string, expectedVersion int, p PendingPayment) error
	History(ctx context.Context, tellID string) ([]Event, error)
}

// SaveParams carries one transition to the store.
type SaveParams struct {
	Tell            TellRef
	Transition      Transition
	ExpectedVersion int
	// DeliveryKey, when set, is reserved in the same transaction; a repeat fails
	// with ErrDuplicateDelivery.
	DeliveryKey string
}

// RoleResolver decides which roles an actor holds for a tell.
type RoleResolver interface {
	Roles(ctx context.Context, actorID string, t TellRef) ([]Role, error)
}

// PolicySource reads a brand's resolution-fee policy.
type PolicySource interface {
	ResolutionPolicy(ctx context.Context, brandID string) (brand.ResolutionPolicy, error)
}

// PaymentGateway is the payment collaborator.
type PaymentGateway interface {
	Initialize(ctx context.Context, req payment.InitializeRequest) (payment.Authorization, error)
}

// Notifier delivers best-effort messages. Implementations must not block the
// caller on failure; the engine never waits on or rolls back for a notification.
type Notifier interface {
	Notify(ctx context.Context, userID, tellID, message string)
}

// Recorder observes operation outcomes (metrics).
type Recorder interface {
	ObserveTransition(operation, outcome string)
}

// PaymentSession is returned by InitiatePayment.
type PaymentSession struct {
	AuthorizationURL string
	Reference        string
	Amount           int64
	Currency         string
}

// PaymentConfirmation is a normalised payment webhook delivery.
type PaymentConfirmation struct {
	DeliveryKey string
	TellID      string
	Reference   string
	// Amount is in minor units, as charged by the provider.
	Amount   int64
	Currency string
}

// Engine is the single authoritative entry point for resolution transitions.
type Engine struct {
	store    Store
	roles    RoleResolver
	policies PolicySource
	payments PaymentGateway
	notifier Notifier
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	newRef   func() string
}

func NewEngine(store Store, roles RoleResolver, policies PolicySource, payments PaymentGateway, notifier Notifier) *Engine {
	return &Engine{
		store:    store,
		roles:    roles,
		policies: policies,
		payments: payments,
		notifier: notifier,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("tellbrandz/resolution"),
		newRef:   func() string { return "tbz_" + strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

func (e *Engine) WithLogger(l *zap.Logger) *Engine {
	e.logger = logging.OrNop(l).Named("resolution")
	return e
}

func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

func (e *Engine) WithReferenceGenerator(gen func() string) *Engine {
	e.newRef = gen
	return e
}

// Get returns the current case for a tell.
func (e *Engine) Get(ctx context.Context, tellID string) (TellRef, Case, error) {
	t, c, err := e.store.Load(ctx, tellID)
	if err != nil {
		return TellRef{}, Case{}, err
	}
	if t.Kind != "" && c.State == "" {
		c.State = StateInitial
	}
	return t, c, nil
}

// History returns the append-only transition log of a tell's case.
func (e *Engine) History(ctx context.Context, tellID string) ([]Event, error) {
	if _, _, err := e.store.Load(ctx, tellID); err != nil {
		return nil, err
	}
	return e.store.History(ctx, tellID)
}

// SubmitBrandResponse records a brand representative's response and hands the
// case to the customer.
func (e *Engine) SubmitBrandResponse(ctx context.Context, tellID, actorID, text string) (Case, error) {
	return e.run(ctx, tellID, "", Command{Operation: OpSubmitBrandResponse, ActorID: actorID}, func(_ context.Context, _ TellRef, _ Case, cmd *Command) error {
		cmd.ResponseText = text
		return nil
	})
}

// RecordCustomerConsent records the author's verdict on the brand's response.
func (e *Engine) RecordCustomerConsent(ctx context.Context, tellID, actorID string, satisfied bool, feedback *string) (Case, error) {
	return e.run(ctx, tellID, "", Command{Operation: OpRecordCustomerConsent, ActorID: actorID}, func(ctx context.Context, t TellRef, c Case, cmd *Command) error {
		cmd.Satisfied = satisfied
		cmd.Feedback = feedback
		if !satisfied || e.policies == nil {
			return nil
		}
		// The fee policy only matters to an author who may consent now.
		if _, err := Apply(t, c, *cmd); err != nil {
			return err
		}
		policy, err := e.policies.ResolutionPolicy(ctx, t.BrandID)
		if err != nil {
			return fmt.Errorf("%w: resolution policy: %v", ErrExternalDependency, err)
		}
		cmd.PaidResolution = policy.Paid
		return nil
	})
}

// ConfirmPayment completes a paid resolution. Repeating it with the same
// reference after success returns the completed case without side effects.
func (e *Engine) ConfirmPayment(ctx context.Context, tellID, actorID, paymentReference string) (Case, error) {
	return e.run(ctx, tellID, "", Command{Operation: OpConfirmPayment, ActorID: actorID}, func(_ context.Context, _ TellRef, _ Case, cmd *Command) error {
		cmd.PaymentReference = paymentReference
		return nil
	})
}

// CancelPayment abandons the payment step and returns the case to the customer.
func (e *Engine) CancelPayment(ctx context.Context, tellID, actorID string) (Case, error) {
	return e.run(ctx, tellID, "", Command{Operation: OpCancelPayment, ActorID: actorID}, func(context.Context, TellRef, Case, *Command) error {
		return nil
	})
}

// HandlePaymentConfirmed applies a payment provider callback. The referenced
// case must exist and be awaiting payment, and the charge must match the
// session InitiatePayment opened; redeliveries are no-ops.
func (e *Engine) HandlePaymentConfirmed(ctx context.Context, conf PaymentConfirmation) (Case, error) {
	if conf.TellID == "" {
		return Case{}, fmt.Errorf("%w: payment confirmation without tell id", ErrValidation)
	}
	cmd := Command{Operation: OpConfirmPayment, ActorID: SystemActorID, Roles: []Role{RoleSystem}}
	return e.run(ctx, conf.TellID, conf.DeliveryKey, cmd, func(_ context.Context, _ TellRef, _ Case, cmd *Command) error {
		cmd.PaymentReference = conf.Reference
		cmd.PaymentAmount = conf.Amount
		cmd.PaymentCurrency = conf.Currency
		return nil
	})
}

// InitiatePayment asks the payment collaborator for a checkout session for the
// brand's resolution fee. The session is recorded on the case without changing
// its state; the case completes when the provider confirms that charge.
func (e *Engine) InitiatePayment(ctx context.Context, tellID, actorID, email string) (session PaymentSession, err error) {
	ctx, span := e.startSpan(ctx, OpInitiatePayment, tellID)
	defer func() { e.finish(span, OpInitiatePayment, tellID, actorID, err) }()

	t, c, err := e.store.Load(ctx, tellID)
	if err != nil {
		return PaymentSession{}, err
	}
	roles, err := e.resolveRoles(ctx, actorID, t)
	if err != nil {
		return PaymentSession{}, err
	}
	if err := Authorize(t, c, OpInitiatePayment, roles); err != nil {
		return PaymentSession{}, err
	}
	if e.policies == nil || e.payments == nil {
		return PaymentSession{}, fmt.Errorf("%w: payments not configured", ErrExternalDependency)
	}
	if strings.TrimSpace(email) == "" {
		return PaymentSession{}, fmt.Errorf("%w: payer email required", ErrValidation)
	}

	policy, err := e.policies.ResolutionPolicy(ctx, t.BrandID)
	if err != nil {
		return PaymentSession{}, fmt.Errorf("%w: resolution policy: %v", ErrExternalDependency, err)
	}
	if policy.Fee <= 0 {
		return PaymentSession{}, fmt.Errorf("%w: brand has no resolution fee configured", ErrValidation)
	}

	pending := PendingPayment{Reference: e.newRef(), Amount: policy.Fee, Currency: policy.Currency}
	// Recorded before the provider is called so an early webhook finds it.
	if err := e.store.OpenPayment(ctx, t.ID, c.Version, pending); err != nil {
		return PaymentSession{}, err
	}

	auth, err := e.payments.Initialize(ctx, payment.InitializeRequest{
		Email:     email,
		Amount:    pending.Amount,
		Currency:  pending.Currency,
		Reference: pending.Reference,
		TellID:    t.ID,
	})
	if err != nil {
		return PaymentSession{}, fmt.Errorf("%w: initialize payment: %v", ErrExternalDependency, err)
	}
	if auth.Reference != "" && auth.Reference != pending.Reference {
		return PaymentSession{}, fmt.Errorf("%w: provider answered with reference %q, sent %q", ErrExternalDependency, auth.Reference, pending.Reference)
	}

	return PaymentSession{
		AuthorizationURL: auth.AuthorizationURL,
		Reference:        pending.Reference,
		Amount:           pending.Amount,
		Currency:         pending.Currency,
	}, nil
}

// commandBuilder fills in operation fields once roles are known. It may call
// out to collaborators, so it runs after the actor has been identified.
type commandBuilder func(ctx context.Context, t TellRef, c Case, cmd *Command) error

func (e *Engine) run(ctx context.Context, tellID, deliveryKey string, cmd Command, build commandBuilder) (result Case, err error) {
	op, actorID := cmd.Operation, cmd.ActorID
	ctx, span := e.startSpan(ctx, op, tellID)
	defer func() { e.finish(span, op, tellID, actorID, err) }()

	if strings.TrimSpace(tellID) == "" {
		return Case{}, ErrNotFound
	}

	t, c, err := e.store.Load(ctx, tellID)
	if err != nil {
		return Case{}, err
	}

	if cmd.Roles == nil {
		if cmd.Roles, err = e.resolveRoles(ctx, actorID, t); err != nil {
			return Case{}, err
		}
	}
	if err := build(ctx, t, c, &cmd); err != nil {
		return Case{}, err
	}

	tr, err := Apply(t, c, cmd)
	if err != nil {
		return Case{}, err
	}
	if tr.NoOp {
		return tr.Case, nil
	}

	stored, err := e.store.Save(ctx, SaveParams{
		Tell:            t,
		Transition:      tr,
		ExpectedVersion: c.Version,
		DeliveryKey:     deliveryKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrDuplicateDelivery):
		// A replay of an operation that already won resolves to the stored result.
		if replay, ok := e.replay(ctx, t, cmd); ok {
			return replay, nil
		}
		if errors.Is(err, ErrDuplicateDelivery) {
			_, current, loadErr := e.store.Load(ctx, tellID)
			if loadErr != nil {
				return Case{}, loadErr
			}
			return current, nil
		}
		return Case{}, err
	default:
		return Case{}, err
	}

	e.logger.Info("resolution transition",
		zap.String("tell_id", t.ID),
		zap.String("operation", string(op)),
		zap.String("actor_id", actorID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(stored.State)),
		zap.Int("version", stored.Version),
	)
	e.runEffects(ctx, t, tr.Effects)

	return stored, nil
}

func (e *Engine) replay(ctx context.Context, t TellRef, cmd Command) (Case, bool) {
	_, current, err := e.store.Load(ctx, t.ID)
	if err != nil {
		return Case{}, false
	}
	tr, err := Apply(t, current, cmd)
	if err != nil || !tr.NoOp {
		return Case{}, false
	}
	return tr.Case, true
}

func (e *Engine) resolveRoles(ctx context.Context, actorID string, t TellRef) ([]Role, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, ErrUnauthorized
	}
	if e.roles == nil {
		return nil, fmt.Errorf("%w: no role resolver configured", ErrExternalDependency)
	}
	roles, err := e.roles.Roles(ctx, actorID, t)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve roles: %v", ErrExternalDependency, err)
	}
	return roles, nil
}

func (e *Engine) runEffects(ctx context.Context, t TellRef, effects []Effect) {
	for _, eff := range effects {
		switch eff.Kind {
		case EffectNotifyCustomer, EffectNotifyBrand:
			if e.notifier != nil {
				e.notifier.Notify(ctx, eff.Recipient, t.ID, eff.Message)
			}
		case EffectMarkResolved:
			// Stored atomically with the transition; logged for the audit trail.
			e.logger.Info("tell resolved", zap.String("tell_id", t.ID))
		}
	}
}

func (e *Engine) startSpan(ctx context.Context, op Operation, tellID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "resolution."+string(op), trace.WithAttributes(
		attribute.String("tell.id", tellID),
	))
}

func (e *Engine) finish(span trace.Span, op Operation, tellID, actorID string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Code(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		e.logger.Debug("resolution operation rejected",
			zap.String("tell_id", tellID),
			zap.String("operation", string(op)),
			zap.String("actor_id", actorID),
			zap.Error(err),
		)
	}
	span.End()
	if e.recorder != nil {
		e.recorder.ObserveTransition(string(op), outcome)
	}
}
