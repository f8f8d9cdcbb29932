package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tellbrandz/outbox"
	"tellbrandz/tell"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PGStore keeps cases in resolution_cases and their history in
// resolution_events.
type PGStore struct {
	db     DB
	outbox OutboxWriter
}

func NewPGStore(db DB, outbox OutboxWriter) *PGStore {
	return &PGStore{db: db, outbox: outbox}
}

const caseColumns = `state, brand_response_text, responded_by::text, response_count,
	customer_satisfied, customer_feedback, payment_reference,
	pending_payment_reference, pending_amount, pending_currency,
	version, created_at, updated_at`

// Load returns the tell and its case. A tell without a stored case gets a
// zero-version case in the state its kind implies.
func (s *PGStore) Load(ctx context.Context, tellID string) (TellRef, Case, error) {
	const query = `
SELECT t.id::text, t.brand_id::text, t.author_id::text, t.kind::text,
       c.state, c.brand_response_text, c.responded_by::text, COALESCE(c.response_count, 0),
       c.customer_satisfied, c.customer_feedback, c.payment_reference,
       c.pending_payment_reference, c.pending_amount, c.pending_currency, COALESCE(c.version, 0),
       c.created_at, c.updated_at
FROM tells t
LEFT JOIN resolution_cases c ON c.tell_id = t.id
WHERE t.id = $1::uuid`

	var (
		t         TellRef
		kind      string
		state     *string
		createdAt *time.Time
		updatedAt *time.Time
		pending   pendingColumns
		c         Case
	)
	err := s.db.QueryRow(ctx, query, tellID).Scan(
		&t.ID, &t.BrandID, &t.AuthorID, &kind,
		&state, &c.BrandResponseText, &c.RespondedBy, &c.ResponseCount,
		&c.CustomerSatisfied, &c.CustomerFeedback, &c.PaymentReference,
		&pending.reference, &pending.amount, &pending.currency, &c.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return TellRef{}, Case{}, ErrNotFound
		}
		return TellRef{}, Case{}, fmt.Errorf("resolution: load: %w", err)
	}

	t.Kind = tell.Kind(kind)
	c.TellID = t.ID
	c.PendingPayment = pending.value()
	switch {
	case state != nil:
		c.State = State(*state)
	case t.Kind == tell.KindBrandBlast:
		c.State = StateInitial
	default:
		c.State = StateNone
	}
	if createdAt != nil {
		c.CreatedAt = *createdAt
	}
	if updatedAt != nil {
		c.UpdatedAt = *updatedAt
	}
	return t, c, nil
}

// Save writes one transition atomically: the case row (guarded by version),
// the tell's denormalised state, a history event, an outbox message and, for
// webhook deliveries, the delivery receipt.
func (s *PGStore) Save(ctx context.Context, params SaveParams) (Case, error) {
	tr := params.Transition
	if params.Tell.ID == "" {
		return Case{}, fmt.Errorf("resolution: save: missing tell id")
	}
	if tr.Case.State == StateBrandResponse || tr.Case.State == StateNone {
		return Case{}, fmt.Errorf("resolution: save: state %s is not storable", tr.Case.State)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("resolution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.DeliveryKey != "" {
		if err := reserveDelivery(ctx, tx, params.DeliveryKey); err != nil {
			return Case{}, err
		}
	}

	stored, err := writeCase(ctx, tx, params.Tell.ID, tr.Case, params.ExpectedVersion)
	if err != nil {
		return Case{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tells SET resolution_state = $2, updated_at = now() WHERE id = $1::uuid`,
		params.Tell.ID, string(stored.State),
	); err != nil {
		return Case{}, fmt.Errorf("resolution: update tell state: %w", err)
	}

	if err := appendEvent(ctx, tx, params, stored); err != nil {
		return Case{}, err
	}

	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicResolutionStateChanged, map[string]any{
			"tell_id":   params.Tell.ID,
			"brand_id":  params.Tell.BrandID,
			"operation": string(tr.Operation),
			"actor_id":  tr.ActorID,
			"from":      string(tr.From),
			"to":        string(stored.State),
			"version":   stored.Version,
		}); err != nil {
			return Case{}, fmt.Errorf("resolution: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("resolution: commit tx: %w", err)
	}
	return stored, nil
}

// OpenPayment records the checkout session of a case awaiting payment. It
// leaves state and version alone; ErrConcurrencyConflict means the case moved
// on since it was read.
func (s *PGStore) OpenPayment(ctx context.Context, tellID string, expectedVersion int, p PendingPayment) error {
	tag, err := s.db.Exec(ctx, `
UPDATE resolution_cases
SET pending_payment_reference = $3,
    pending_amount = $4,
    pending_currency = $5,
    updated_at = now()
WHERE tell_id = $1::uuid AND version = $2 AND state = 'payment'`,
		tellID, expectedVersion, p.Reference, p.Amount, p.Currency,
	)
	if err != nil {
		if isInvalidText(err) {
			return ErrNotFound
		}
		return fmt.Errorf("resolution: open payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

// History lists the case's events in order.
func (s *PGStore) History(ctx context.Context, tellID string) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
SELECT tell_id::text, seq, operation, from_state, to_state, actor_id, payload, created_at
FROM resolution_events
WHERE tell_id = $1::uuid
ORDER BY seq ASC`, tellID)
	if err != nil {
		if isInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolution: history: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var (
			ev      Event
			op      string
			from    string
			to      string
			payload []byte
		)
		if err := rows.Scan(&ev.TellID, &ev.Seq, &op, &from, &to, &ev.ActorID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("resolution: scan event: %w", err)
		}
		ev.Operation = Operation(op)
		ev.From = State(from)
		ev.To = State(to)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("resolution: decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolution: iterate events: %w", err)
	}
	return out, nil
}

func reserveDelivery(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `INSERT INTO webhook_receipts (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateDelivery
		}
		return fmt.Errorf("resolution: reserve delivery: %w", err)
	}
	return nil
}

func writeCase(ctx context.Context, tx pgx.Tx, tellID string, c Case, expected int) (Case, error) {
	pending := pendingFrom(c.PendingPayment)
	var row pgx.Row
	if expected == 0 {
		row = tx.QueryRow(ctx, `
INSERT INTO resolution_cases (
    tell_id, state, brand_response_text, responded_by, response_count,
    customer_satisfied, customer_feedback, payment_reference,
    pending_payment_reference, pending_amount, pending_currency, version
)
VALUES ($1::uuid, $2, $3, $4::uuid, $5, $6, $7, $8, $9, $10, $11, 1)
ON CONFLICT (tell_id) DO NOTHING
RETURNING `+caseColumns,
			tellID, string(c.State), c.BrandResponseText, c.RespondedBy, c.ResponseCount,
			c.CustomerSatisfied, c.CustomerFeedback, c.PaymentReference,
			pending.reference, pending.amount, pending.currency,
		)
	} else {
		row = tx.QueryRow(ctx, `
UPDATE resolution_cases
SET state = $2,
    brand_response_text = $3,
    responded_by = $4::uuid,
    response_count = $5,
    customer_satisfied = $6,
    customer_feedback = $7,
    payment_reference = $8,
    pending_payment_reference = $9,
    pending_amount = $10,
    pending_currency = $11,
    version = version + 1,
    updated_at = now()
WHERE tell_id = $1::uuid AND version = $12
RETURNING `+caseColumns,
			tellID, string(c.State), c.BrandResponseText, c.RespondedBy, c.ResponseCount,
			c.CustomerSatisfied, c.CustomerFeedback, c.PaymentReference,
			pending.reference, pending.amount, pending.currency, expected,
		)
	}

	stored, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrConcurrencyConflict
		}
		return Case{}, fmt.Errorf("resolution: write case: %w", err)
	}
	stored.TellID = tellID
	return stored, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, params SaveParams, stored Case) error {
	body, err := json.Marshal(eventPayload(params))
	if err != nil {
		return fmt.Errorf("resolution: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO resolution_events (tell_id, seq, operation, from_state, to_state, actor_id, payload)
SELECT $1::uuid, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6::jsonb
FROM resolution_events
WHERE tell_id = $1::uuid`
	tr := params.Transition
	if _, err := tx.Exec(ctx, insertSQL,
		params.Tell.ID, string(tr.Operation), string(tr.From), string(stored.State), tr.ActorID, string(body),
	); err != nil {
		return fmt.Errorf("resolution: append event: %w", err)
	}
	return nil
}

// eventPayload keeps what the operation contributed, so superseded responses
// and feedback stay auditable after the case row moves on.
func eventPayload(params SaveParams) map[string]any {
	tr := params.Transition
	c := tr.Case
	payload := map[string]any{}
	switch tr.Operation {
	case OpSubmitBrandResponse:
		if c.BrandResponseText != nil {
			payload["response_text"] = *c.BrandResponseText
		}
		payload["response_count"] = c.ResponseCount
	case OpRecordCustomerConsent:
		if c.CustomerSatisfied != nil {
			payload["satisfied"] = *c.CustomerSatisfied
		}
		if c.CustomerFeedback != nil {
			payload["feedback"] = *c.CustomerFeedback
		}
	case OpConfirmPayment:
		if c.PaymentReference != nil {
			payload["payment_reference"] = *c.PaymentReference
		}
	}
	if params.DeliveryKey != "" {
		payload["delivery_key"] = params.DeliveryKey
	}
	return payload
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c       Case
		state   string
		pending pendingColumns
	)
	if err := row.Scan(
		&state,
		&c.BrandResponseText,
		&c.RespondedBy,
		&c.ResponseCount,
		&c.CustomerSatisfied,
		&c.CustomerFeedback,
		&c.PaymentReference,
		&pending.reference,
		&pending.amount,
		&pending.currency,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Case{}, err
	}
	c.State = State(state)
	c.PendingPayment = pending.value()
	return c, nil
}

// pendingColumns is the nullable column form of PendingPayment.
type pendingColumns struct {
	reference *string
	amount    *int64
	currency  *string
}

func pendingFrom(p *PendingPayment) pendingColumns {
	if p == nil {
		return pendingColumns{}
	}
	return pendingColumns{reference: &p.Reference, amount: &p.Amount, currency: &p.Currency}
}

func (p pendingColumns) value() *PendingPayment {
	if p.reference == nil {
		return nil
	}
	out := &PendingPayment{Reference: *p.reference}
	if p.amount != nil {
		out.Amount = *p.amount
	}
	if p.currency != nil {
		out.Currency = *p.currency
	}
	return out
}

func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
