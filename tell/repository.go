package tell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound     = errors.New("tell: not found")
	ErrUnknownBrand = errors.New("tell: unknown brand")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, t Tell) (Tell, error)
	Get(ctx context.Context, id string) (Tell, error)
	List(ctx context.Context, filters Filters) ([]Tell, int, error)
	SetHidden(ctx context.Context, id string, hidden bool) (Tell, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const tellColumns = `id::text, title, content, brand_id::text, author_id::text, kind::text, resolution_state, hidden, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, t Tell) (Tell, error) {
	query := `
        INSERT INTO tells (id, title, content, brand_id, author_id, kind, resolution_state)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4::uuid, $5::uuid, $6::tell_kind, $7)
        RETURNING ` + tellColumns

	created, err := scanTell(tx.QueryRow(ctx, query,
		t.ID,
		t.Title,
		t.Content,
		t.BrandID,
		t.AuthorID,
		string(t.Kind),
		t.ResolutionState,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == "tells_brand_id_fkey" {
			return Tell{}, ErrUnknownBrand
		}
		return Tell{}, fmt.Errorf("tell: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Tell, error) {
	query := `SELECT ` + tellColumns + ` FROM tells WHERE id = $1::uuid`

	t, err := scanTell(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tell{}, ErrNotFound
		}
		return Tell{}, fmt.Errorf("tell: get: %w", err)
	}
	return t, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Tell, int, error) {
	filters = normaliseFilters(filters)

	where, args := buildWhere(filters)
	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM tells%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		tellColumns, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("tell: query list: %w", err)
	}
	defer rows.Close()

	list := []Tell{}
	for rows.Next() {
		t, err := scanTell(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("tell: scan: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("tell: iterate: %w", err)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM tells" + whereClause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("tell: count: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) SetHidden(ctx context.Context, id string, hidden bool) (Tell, error) {
	query := `
        UPDATE tells SET hidden = $2, updated_at = now()
        WHERE id = $1::uuid
        RETURNING ` + tellColumns

	t, err := scanTell(r.pool.QueryRow(ctx, query, id, hidden))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tell{}, ErrNotFound
		}
		return Tell{}, fmt.Errorf("tell: set hidden: %w", err)
	}
	return t, nil
}

func normaliseFilters(filters Filters) Filters {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}
	return filters
}

func buildWhere(filters Filters) ([]string, []any) {
	where := []string{"1=1"}
	args := []any{}

	if !filters.IncludeHidden {
		where = append(where, "hidden = false")
	}
	if filters.BrandID != "" {
		args = append(args, filters.BrandID)
		where = append(where, fmt.Sprintf("brand_id = $%d::uuid", len(args)))
	}
	if filters.AuthorID != "" {
		args = append(args, filters.AuthorID)
		where = append(where, fmt.Sprintf("author_id = $%d::uuid", len(args)))
	}
	if filters.Kind != "" {
		args = append(args, string(filters.Kind))
		where = append(where, fmt.Sprintf("kind = $%d::tell_kind", len(args)))
	}
	if filters.ResolutionState != "" {
		args = append(args, filters.ResolutionState)
		where = append(where, fmt.Sprintf("resolution_state = $%d", len(args)))
	}
	if q := strings.TrimSpace(filters.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		where = append(where, fmt.Sprintf("title ILIKE $%d", len(args)))
	}
	return where, args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func mapSortKey(key string) string {
	switch strings.ToLower(key) {
	case "title":
		return "title"
	case "updated_at":
		return "updated_at"
	default:
		return "created_at"
	}
}

func scanTell(row pgx.Row) (Tell, error) {
	var (
		t    Tell
		kind string
	)
	if err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Content,
		&t.BrandID,
		&t.AuthorID,
		&kind,
		&t.ResolutionState,
		&t.Hidden,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return Tell{}, err
	}
	t.Kind = Kind(kind)
	return t, nil
}
