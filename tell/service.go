package tell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tellbrandz/outbox"
)

const (
	maxTitleLength   = 200
	maxContentLength = 5000
)

// ErrInvalidInput signals a tell that failed validation.
var ErrInvalidInput = errors.New("tell: invalid input")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	AuthorID string
	BrandID  string
	Title    string
	Content  string
	Kind     Kind
}

type ListResult struct {
	Items []Tell
	Total int
}

func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Tell, error) {
	if params.AuthorID == "" {
		return Tell{}, fmt.Errorf("%w: missing author", ErrInvalidInput)
	}
	if params.BrandID == "" {
		return Tell{}, fmt.Errorf("%w: brand required", ErrInvalidInput)
	}
	if !params.Kind.Valid() {
		return Tell{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, params.Kind)
	}
	title := strings.TrimSpace(params.Title)
	content := strings.TrimSpace(params.Content)
	if title == "" || content == "" {
		return Tell{}, fmt.Errorf("%w: title and content required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return Tell{}, fmt.Errorf("%w: title longer than %d characters", ErrInvalidInput, maxTitleLength)
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return Tell{}, fmt.Errorf("%w: content longer than %d characters", ErrInvalidInput, maxContentLength)
	}

	state := resolutionStateInitial
	if params.Kind == KindBrandBeat {
		state = resolutionStateNone
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Tell{}, fmt.Errorf("tell: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Tell{
		ID:              s.idGenerator(),
		Title:           title,
		Content:         content,
		BrandID:         params.BrandID,
		AuthorID:        params.AuthorID,
		Kind:            params.Kind,
		ResolutionState: state,
	})
	if err != nil {
		return Tell{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"tell_id":    created.ID,
			"brand_id":   created.BrandID,
			"kind":       created.Kind,
			"created_at": s.now().UTC(),
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicTellCreated, payload); err != nil {
			return Tell{}, fmt.Errorf("tell: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Tell{}, fmt.Errorf("tell: commit tx: %w", err)
	}

	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Tell, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Tell{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// GetVisible returns the tell unless it is hidden from viewerID. Authors and
// admins still see their hidden tells.
func (s *Service) GetVisible(ctx context.Context, id, viewerID string, admin bool) (Tell, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return Tell{}, err
	}
	if t.Hidden && !admin && t.AuthorID != viewerID {
		return Tell{}, ErrNotFound
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Kind != "" && !filters.Kind.Valid() {
		return ListResult{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, filters.Kind)
	}
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// SetHidden applies a moderation decision.
func (s *Service) SetHidden(ctx context.Context, id string, hidden bool) (Tell, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Tell{}, ErrNotFound
	}
	return s.repo.SetHidden(ctx, id, hidden)
}
