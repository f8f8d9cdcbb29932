package brand

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested brand does not exist.
	ErrNotFound = errors.New("brand: not found")
	// ErrDuplicateName signals a brand with the same name already exists.
	ErrDuplicateName = errors.New("brand: name already exists")
	// ErrUnknownMember signals the referenced user does not exist.
	ErrUnknownMember = errors.New("brand: unknown member")
)

// Repository provides access to brand profiles and their representatives.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `id::text, name, verified, paid_resolution, resolution_fee, currency, created_at`

// GetByID fetches a brand profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM brands WHERE id = $1::uuid`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("brand: query by id: %w", err)
	}

	return profile, nil
}

// List fetches up to limit brand profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + profileColumns + ` FROM brands ORDER BY name ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("brand: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("brand: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("brand: iterate profiles: %w", err)
	}

	return profiles, nil
}

// Create inserts a brand.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Profile, error) {
	query := `
		INSERT INTO brands (name, verified, paid_resolution, resolution_fee, currency)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + profileColumns

	profile, err := scanProfile(r.pool.QueryRow(ctx, query,
		params.Name,
		params.Verified,
		params.Policy.Paid,
		params.Policy.Fee,
		params.Policy.Currency,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Profile{}, ErrDuplicateName
		}
		return Profile{}, fmt.Errorf("brand: create: %w", err)
	}
	return profile, nil
}

// AddMember authorises userID to act for brandID. Adding an existing member is a no-op.
func (r *Repository) AddMember(ctx context.Context, brandID, userID string) error {
	const query = `
		INSERT INTO brand_members (brand_id, user_id)
		VALUES ($1::uuid, $2::uuid)
		ON CONFLICT DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, brandID, userID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			if pgErr.ConstraintName == "brand_members_brand_id_fkey" {
				return ErrNotFound
			}
			return ErrUnknownMember
		}
		return fmt.Errorf("brand: add member: %w", err)
	}
	return nil
}

// IsRepresentative reports whether userID is a member of brandID.
func (r *Repository) IsRepresentative(ctx context.Context, brandID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM brand_members WHERE brand_id = $1::uuid AND user_id = $2::uuid
		)
	`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, brandID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("brand: membership: %w", err)
	}
	return ok, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Verified,
		&p.Policy.Paid,
		&p.Policy.Fee,
		&p.Policy.Currency,
		&p.CreatedAt,
	)
	return p, err
}
