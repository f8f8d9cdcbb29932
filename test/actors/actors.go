package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tellbrandz/outbox"
	"tellbrandz/resolution"
)

// Engine is the slice of resolution.Engine the actors drive.
type Engine interface {
	Get(ctx context.Context, tellID string) (resolution.TellRef, resolution.Case, error)
	SubmitBrandResponse(ctx context.Context, tellID, actorID, text string) (resolution.Case, error)
	RecordCustomerConsent(ctx context.Context, tellID, actorID string, satisfied bool, feedback *string) (resolution.Case, error)
	InitiatePayment(ctx context.Context, tellID, actorID, email string) (resolution.PaymentSession, error)
	ConfirmPayment(ctx context.Context, tellID, actorID, paymentReference string) (resolution.Case, error)
	CancelPayment(ctx context.Context, tellID, actorID string) (resolution.Case, error)
	HandlePaymentConfirmed(ctx context.Context, conf resolution.PaymentConfirmation) (resolution.Case, error)
}

// Cast is the seeded population the actors pick from.
type Cast struct {
	CustomerID string
	RepID      string
	RepEmail   string
	OutsiderID string
	// Tells are complaints the customer wrote against brands the rep represents.
	Tells []string
	// Praise are brandbeat tells that must never enter the workflow.
	Praise []string
}

func (c Cast) pick() string { return c.Tells[rand.Intn(len(c.Tells))] }

// tolerated reports whether err is an outcome the workflow legitimately
// produces under contention. Anything else fails the run.
func tolerated(err error) bool {
	return err == nil ||
		errors.Is(err, resolution.ErrInvalidState) ||
		errors.Is(err, resolution.ErrConcurrencyConflict) ||
		errors.Is(err, resolution.ErrExternalDependency) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		connectionLost(err)
}

// connectionLost reports errors caused by chaos terminating a backend.
func connectionLost(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "57P") || strings.HasPrefix(pgErr.Code, "08")
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "conn closed")
}

func loop(ctx context.Context, stop <-chan struct{}, minSleep, jitter int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(time.Duration(minSleep+rand.Intn(jitter)) * time.Millisecond)
	}
}

// Responder keeps answering complaints as the brand representative.
func Responder(ctx context.Context, eng Engine, cast Cast, stop <-chan struct{}) error {
	return loop(ctx, stop, 5, 20, func() error {
		tellID := cast.pick()
		_, err := eng.SubmitBrandResponse(ctx, tellID, cast.RepID, fmt.Sprintf("offer %d", rand.Intn(1000)))
		if !tolerated(err) {
			return fmt.Errorf("responder %s: %w", tellID, err)
		}
		return nil
	})
}

// Consenter accepts or rejects whatever response is pending.
func Consenter(ctx context.Context, eng Engine, cast Cast, stop <-chan struct{}) error {
	return loop(ctx, stop, 5, 20, func() error {
		tellID := cast.pick()
		var feedback *string
		satisfied := rand.Intn(3) != 0
		if !satisfied {
			msg := "not good enough"
			feedback = &msg
		}
		_, err := eng.RecordCustomerConsent(ctx, tellID, cast.CustomerID, satisfied, feedback)
		if !tolerated(err) {
			return fmt.Errorf("consenter %s: %w", tellID, err)
		}
		return nil
	})
}

// Payer runs the payment step: opening sessions, confirming, cancelling.
func Payer(ctx context.Context, eng Engine, cast Cast, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 30, func() error {
		tellID := cast.pick()
		var err error
		switch rand.Intn(4) {
		case 0:
			_, err = eng.InitiatePayment(ctx, tellID, cast.RepID, cast.RepEmail)
			if errors.Is(err, resolution.ErrValidation) {
				// free brands have no fee to collect
				err = nil
			}
		case 1, 2:
			_, err = eng.ConfirmPayment(ctx, tellID, cast.RepID, fmt.Sprintf("ref_%s", tellID[:8]))
		case 3:
			_, err = eng.CancelPayment(ctx, tellID, cast.RepID)
		}
		if !tolerated(err) {
			return fmt.Errorf("payer %s: %w", tellID, err)
		}
		return nil
	})
}

// WebhookStorm redelivers provider callbacks for whatever session is open, so
// most deliveries are duplicates racing each other. Now and then it sends a
// charge nobody opened, which must never complete a case.
func WebhookStorm(ctx context.Context, eng Engine, cast Cast, stop <-chan struct{}) error {
	return loop(ctx, stop, 5, 15, func() error {
		tellID := cast.pick()
		_, c, err := eng.Get(ctx, tellID)
		if err != nil {
			if tolerated(err) {
				return nil
			}
			return fmt.Errorf("webhook %s: %w", tellID, err)
		}

		conf := resolution.PaymentConfirmation{
			DeliveryKey: fmt.Sprintf("charge.success:%s:%d", tellID[:8], rand.Intn(3)),
			TellID:      tellID,
			Reference:   fmt.Sprintf("stray_%s", tellID[:8]),
			Amount:      1,
		}
		stray := c.PendingPayment == nil || rand.Intn(5) == 0
		if !stray {
			p := c.PendingPayment
			conf.DeliveryKey = fmt.Sprintf("charge.success:%s:%d", p.Reference, rand.Intn(3))
			conf.Reference, conf.Amount, conf.Currency = p.Reference, p.Amount, p.Currency
		}

		_, err = eng.HandlePaymentConfirmed(ctx, conf)
		switch {
		case stray && err == nil && c.State == resolution.StatePayment:
			return fmt.Errorf("webhook %s: stray charge %s accepted", tellID, conf.Reference)
		case errors.Is(err, resolution.ErrValidation), tolerated(err):
			return nil
		default:
			return fmt.Errorf("webhook %s: %w", tellID, err)
		}
	})
}

// Intruder attempts every operation as someone with no role on the tell, and
// tries to drag praise into the workflow. Any success is a failure.
func Intruder(ctx context.Context, eng Engine, cast Cast, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 40, func() error {
		tellID := cast.pick()
		var err error
		switch rand.Intn(4) {
		case 0:
			_, err = eng.SubmitBrandResponse(ctx, tellID, cast.OutsiderID, "not my brand")
		case 1:
			_, err = eng.RecordCustomerConsent(ctx, tellID, cast.OutsiderID, true, nil)
		case 2:
			_, err = eng.CancelPayment(ctx, tellID, cast.CustomerID)
		case 3:
			if len(cast.Praise) == 0 {
				return nil
			}
			praise := cast.Praise[rand.Intn(len(cast.Praise))]
			_, err = eng.SubmitBrandResponse(ctx, praise, cast.RepID, "thanks")
			if errors.Is(err, resolution.ErrNotEligible) || (err != nil && tolerated(err)) {
				return nil
			}
			return fmt.Errorf("intruder: praise %s answered with %v, want not eligible", praise, err)
		}
		switch {
		case err == nil:
			return fmt.Errorf("intruder: unauthorized operation on %s succeeded", tellID)
		case errors.Is(err, resolution.ErrUnauthorized), tolerated(err):
			return nil
		default:
			return fmt.Errorf("intruder %s: %w", tellID, err)
		}
	})
}

// OutboxWorker drains pending messages; concurrent workers race on the same rows.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	return loop(ctx, stop, 50, 100, func() error {
		msgs, err := outbox.Pending(ctx, pool, 20)
		if err != nil {
			// chaos may kill the connection mid-query
			return nil
		}
		for _, m := range msgs {
			if rand.Intn(10) == 0 {
				continue
			}
			if err := outbox.MarkDelivered(ctx, pool, m.ID); err != nil && !errors.Is(err, outbox.ErrNotPending) {
				break
			}
		}
		return nil
	})
}
