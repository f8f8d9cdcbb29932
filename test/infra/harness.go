package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags the suite's connections so chaos only kills its own backends.
const ApplicationName = "tellbrandz-stress"

// Harness owns the database the suite runs against and the migrated pool.
type Harness struct {
	Pool *pgxpool.Pool
	DSN  string

	container *PGContainer
	teardown  func(context.Context) error
}

// NewHarness picks a database in order: overrideDSN, TELLBRANDZ_STRESS_DSN, a
// Docker container, then a local Postgres. Shared databases get an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := overrideDSN != "" || os.Getenv(DSNEnv) != ""

	var err error
	switch {
	case shared:
		h.container, h.DSN, err = StartPostgres16(ctx, overrideDSN)
	case dockerAvailable(ctx):
		h.container, h.DSN, err = StartPostgres16(ctx, "")
	default:
		h.DSN, err = InitLocalDatabase(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("provision postgres: %w", err)
	}

	h.Pool, h.teardown, err = ApplyMigrations(ctx, h.DSN, shared)
	if err != nil {
		_ = h.container.Terminate(context.Background())
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return h, nil
}

// Close releases the pool, the isolated schema and the container.
func (h *Harness) Close(ctx context.Context) error {
	h.Pool.Close()
	var firstErr error
	if err := h.teardown(ctx); err != nil {
		firstErr = err
	}
	if err := h.container.Terminate(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
