package appeal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("appeal: not found")
	ErrForbidden = errors.New("appeal: forbidden")
	ErrBadStatus = errors.New("appeal: invalid status transition")
	// ErrAlreadyOpen signals the tell already has an appeal under review.
	ErrAlreadyOpen = errors.New("appeal: already under review")
	// ErrNotHidden signals the tell is visible, so there is nothing to appeal.
	ErrNotHidden = errors.New("appeal: tell is not hidden")
)

type Repository interface {
	List(ctx context.Context, authorID string, status Status) ([]Record, error)
	Create(ctx context.Context, authorID, tellID, reason string) (Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, appealID string, status Status) (Record, error)
	Unhide(ctx context.Context, tx pgx.Tx, tellID string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const appealColumns = `id::text, tell_id::text, author_id::text, reason, status::text, created_at, updated_at, resolved_at`

// List returns appeals, newest first. An empty authorID lists every author.
func (r *PGRepository) List(ctx context.Context, authorID string, status Status) ([]Record, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE true`
	args := []any{}
	if authorID != "" {
		args = append(args, authorID)
		query += fmt.Sprintf(" AND author_id = $%d::uuid", len(args))
	}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d::appeal_status", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appeal: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("appeal: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appeal: iterate: %w", err)
	}
	return out, nil
}

// Create files an appeal for a hidden tell owned by authorID.
func (r *PGRepository) Create(ctx context.Context, authorID, tellID, reason string) (Record, error) {
	query := `
		INSERT INTO appeals (tell_id, author_id, reason, status)
		SELECT t.id, t.author_id, $3, 'under_review'
		FROM tells t
		WHERE t.id = $1::uuid AND t.author_id = $2::uuid AND t.hidden
		RETURNING ` + appealColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, tellID, authorID, reason))
	if err == nil {
		return rec, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return Record{}, ErrAlreadyOpen
		case "22P02":
			return Record{}, ErrNotFound
		}
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("appeal: create: %w", err)
	}

	var (
		owner  string
		hidden bool
	)
	const check = `SELECT author_id::text, hidden FROM tells WHERE id = $1::uuid`
	if err := r.pool.QueryRow(ctx, check, tellID).Scan(&owner, &hidden); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("appeal: create fetch: %w", err)
	}
	if owner != authorID {
		return Record{}, ErrForbidden
	}
	if !hidden {
		return Record{}, ErrNotHidden
	}
	return Record{}, ErrForbidden
}

// Resolve closes an appeal that is still under review.
func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, appealID string, status Status) (Record, error) {
	query := `
		UPDATE appeals
		SET status = $2::appeal_status, resolved_at = now(), updated_at = now()
		WHERE id = $1::uuid AND status = 'under_review'
		RETURNING ` + appealColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, appealID, string(status)))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("appeal: resolve: %w", err)
	}

	var current Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM appeals WHERE id = $1::uuid`, appealID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("appeal: resolve fetch: %w", err)
	}
	return Record{}, ErrBadStatus
}

// Unhide makes the tell visible again.
func (r *PGRepository) Unhide(ctx context.Context, tx pgx.Tx, tellID string) error {
	if _, err := tx.Exec(ctx, `UPDATE tells SET hidden = false, updated_at = now() WHERE id = $1::uuid`, tellID); err != nil {
		return fmt.Errorf("appeal: unhide tell: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.TellID, &rec.AuthorID, &rec.Reason, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	return rec, err
}
