package resolution

import (
	"time"

	"tellbrandz/tell"
)

// State is a resolution workflow state.
type State string

const (
	// StateNone is carried by tells that never enter the workflow (praise).
	StateNone State = "none"
	// StateInitial means no pending brand response.
	StateInitial State = "initial"
	// StateBrandResponse labels the instant a response is sent. It is never persisted:
	// a successful response moves the case straight to StateCustomerConsent.
	StateBrandResponse State = "brand_response"
	// StateCustomerConsent waits for the author's verdict on the latest response.
	StateCustomerConsent State = "customer_consent"
	// StatePayment waits for the brand's resolution fee to be paid.
	StatePayment State = "payment"
	// StateCompleted is terminal: the tell is resolved.
	StateCompleted State = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateNone
}

// Role is a capability an actor holds for a particular tell.
type Role string

const (
	// RoleCustomer is held by the tell's author.
	RoleCustomer Role = "customer"
	// RoleBrandRepresentative is held by members of the tell's brand.
	RoleBrandRepresentative Role = "brand_representative"
	// RoleSystem is held by trusted callbacks such as the payment webhook.
	RoleSystem Role = "system"
)

// SystemActorID is recorded as the actor of webhook-driven transitions.
const SystemActorID = "system:payment-webhook"

// Operation names a workflow command.
type Operation string

const (
	OpSubmitBrandResponse   Operation = "submit_brand_response"
	OpRecordCustomerConsent Operation = "record_customer_consent"
	OpConfirmPayment        Operation = "confirm_payment"
	OpCancelPayment         Operation = "cancel_payment"
	OpInitiatePayment       Operation = "initiate_payment"
)

// TellRef is the slice of a tell the workflow needs.
type TellRef struct {
	ID       string
	BrandID  string
	AuthorID string
	Kind     tell.Kind
}

// Case is one resolution attempt, 1:1 with a tell. A tell without a stored case
// is represented by a zero-version Case in StateInitial.
type Case struct {
	TellID            string
	State             State
	BrandResponseText *string
	RespondedBy       *string
	ResponseCount     int
	CustomerSatisfied *bool
	CustomerFeedback  *string
	PaymentReference  *string
	// PendingPayment is the checkout session opened for the current payment
	// step. Only a webhook matching it may complete the case.
	PendingPayment *PendingPayment
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PendingPayment is a checkout the engine opened with the payment provider.
type PendingPayment struct {
	Reference string
	Amount    int64
	Currency  string
}

// Persisted reports whether the case exists in the store.
func (c Case) Persisted() bool {
	return c.Version > 0
}

// Command is the input to Apply.
type Command struct {
	Operation Operation
	ActorID   string
	// Roles are the capabilities ActorID holds for the tell.
	Roles []Role

	ResponseText     string
	Satisfied        bool
	Feedback         *string
	PaymentReference string
	// PaymentAmount and PaymentCurrency are what the provider reports as
	// charged; checked against the case's pending session for webhooks.
	PaymentAmount   int64
	PaymentCurrency string
	// PaidResolution is the brand's fee policy at the time of consent.
	PaidResolution bool
}

// EffectKind names a side effect requested by a transition.
type EffectKind string

const (
	EffectNotifyCustomer EffectKind = "notify_customer"
	EffectNotifyBrand    EffectKind = "notify_brand"
	EffectMarkResolved   EffectKind = "mark_resolved"
)

// Effect is a side effect to run after the transition is stored.
type Effect struct {
	Kind      EffectKind
	Recipient string
	Message   string
}

// Transition is the outcome of applying a command to a case.
type Transition struct {
	Operation Operation
	ActorID   string
	From      State
	Case      Case
	Effects   []Effect
	// NoOp marks an idempotent replay: nothing must be written.
	NoOp bool
}

// Event is one row of a case's append-only history.
type Event struct {
	TellID    string
	Seq       int
	Operation Operation
	From      State
	To        State
	ActorID   string
	Payload   map[string]any
	CreatedAt time.Time
}
