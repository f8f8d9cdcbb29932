package test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"tellbrandz/brand"
	"tellbrandz/notification"
	"tellbrandz/outbox"
	"tellbrandz/payment"
	"tellbrandz/policy"
	"tellbrandz/resolution"
	"tellbrandz/test/actors"
	"tellbrandz/test/chaos"
	"tellbrandz/test/infra"
	"tellbrandz/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of each concurrent actor")
	flTells       = flag.Int("tells", 6, "complaints per brand")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestResolutionConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	seedRNG(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	cast := mustSeed(t, ctx, h.Pool)
	provider := fakeProvider(t)
	defer provider.Close()

	engine := newEngine(t, ctx, h.Pool, provider)

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Responder(gctx, engine, cast, stop) })
		g.Go(func() error { return actors.Consenter(gctx, engine, cast, stop) })
		g.Go(func() error { return actors.Payer(gctx, engine, cast, stop) })
		g.Go(func() error { return actors.WebhookStorm(gctx, engine, cast, stop) })
	}
	g.Go(func() error { return actors.Intruder(gctx, engine, cast, stop) })
	g.Go(func() error { return actors.OutboxWorker(gctx, h.Pool, stop) })
	g.Go(func() error { return actors.OutboxWorker(gctx, h.Pool, stop) })
	go chaos.TerminateRandomBackend(gctx, h.Pool, infra.ApplicationName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	oracleErrors := 0
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, h.Pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's connection
				if oracleErrors++; oracleErrors > 3 {
					t.Fatalf("oracle error: %v", err)
				}
				t.Logf("oracle error (retrying): %v", err)
				continue
			}
			oracleErrors = 0
			if name != "" {
				dumpRecent(t, ctx, h.Pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		dumpRecent(t, ctx, h.Pool)
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}

	name, row, err := oracles.Run(ctx, h.Pool)
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, h.Pool)
		t.Fatalf("Oracle %s failed after quiescence. First row: %s (seed=%d)", name, row, seed)
	}
	logOutcome(t, ctx, h.Pool)
}

func newEngine(t *testing.T, ctx context.Context, pool *pgxpool.Pool, provider *httptest.Server) *resolution.Engine {
	t.Helper()
	brands := brand.NewService(brand.NewRepository(pool))
	authorizer, err := policy.NewAuthorizer(ctx, brands, "")
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	payments := payment.NewClient(payment.Config{
		BaseURL:   provider.URL,
		SecretKey: "sk_stress",
		Timeout:   2 * time.Second,
	}, provider.Client())
	notifier := notification.NewService(notification.NewRepository(pool))

	return resolution.NewEngine(
		resolution.NewPGStore(pool, outbox.NewWriter()),
		authorizer,
		brands,
		payments,
		notifier,
	).WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)))
}

// fakeProvider answers checkout initialisation like the real provider, failing
// now and then so the engine sees external errors.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/initialize" {
			http.NotFound(w, r)
			return
		}
		if rand.Intn(10) == 0 {
			http.Error(w, `{"status":false,"message":"try again"}`, http.StatusBadGateway)
			return
		}
		var body struct {
			Reference string `json:"reference"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Authorization URL created",
			"data": map[string]string{
				"authorization_url": "https://checkout.example/" + body.Reference,
				"access_code":       "ac_" + body.Reference,
				"reference":         body.Reference,
			},
		})
	}))
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) actors.Cast {
	t.Helper()
	suffix := rand.Int63()

	user := func(name, role string) string {
		var id string
		if err := pool.QueryRow(ctx,
			`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, 'x', $3::user_role) RETURNING id::text`,
			fmt.Sprintf("%s+%d@example.com", name, suffix), name, role,
		).Scan(&id); err != nil {
			t.Fatalf("seed user %s: %v", name, err)
		}
		return id
	}

	cast := actors.Cast{
		CustomerID: user("customer", "customer"),
		RepID:      user("rep", "brand_rep"),
		OutsiderID: user("outsider", "brand_rep"),
	}
	cast.RepEmail = fmt.Sprintf("rep+%d@example.com", suffix)

	brands := []struct {
		name string
		paid bool
		fee  int64
	}{
		{"Paid Brand", true, 50000},
		{"Free Brand", false, 0},
	}
	for _, b := range brands {
		var brandID string
		if err := pool.QueryRow(ctx,
			`INSERT INTO brands (name, verified, paid_resolution, resolution_fee) VALUES ($1, true, $2, $3) RETURNING id::text`,
			fmt.Sprintf("%s %d", b.name, suffix), b.paid, b.fee,
		).Scan(&brandID); err != nil {
			t.Fatalf("seed brand: %v", err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO brand_members (brand_id, user_id) VALUES ($1::uuid, $2::uuid)`, brandID, cast.RepID); err != nil {
			t.Fatalf("seed member: %v", err)
		}

		for i := 0; i < *flTells; i++ {
			cast.Tells = append(cast.Tells, seedTell(t, ctx, pool, brandID, cast.CustomerID, "brandblast", "initial", i))
		}
		cast.Praise = append(cast.Praise, seedTell(t, ctx, pool, brandID, cast.CustomerID, "brandbeat", "none", 0))
	}
	return cast
}

func seedTell(t *testing.T, ctx context.Context, pool *pgxpool.Pool, brandID, authorID, kind, state string, i int) string {
	t.Helper()
	var id string
	if err := pool.QueryRow(ctx, `
INSERT INTO tells (title, content, brand_id, author_id, kind, resolution_state)
VALUES ($1, $2, $3::uuid, $4::uuid, $5::tell_kind, $6)
RETURNING id::text`,
		fmt.Sprintf("%s #%d", kind, i), "stress content", brandID, authorID, kind, state,
	).Scan(&id); err != nil {
		t.Fatalf("seed tell: %v", err)
	}
	return id
}

func logOutcome(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	rows, err := pool.Query(ctx, `SELECT state, COUNT(*) FROM resolution_cases GROUP BY state ORDER BY state`)
	if err != nil {
		t.Logf("outcome query: %v", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err == nil {
			t.Logf("cases in %s: %d", state, n)
		}
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"resolution_cases", `SELECT tell_id, state, response_count, payment_reference, version, updated_at FROM resolution_cases ORDER BY updated_at DESC LIMIT 50`},
		{"resolution_events", `SELECT tell_id, seq, operation, from_state, to_state, actor_id, created_at FROM resolution_events ORDER BY id DESC LIMIT 50`},
		{"webhook_receipts", `SELECT key, received_at FROM webhook_receipts ORDER BY received_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
