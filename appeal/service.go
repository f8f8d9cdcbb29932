// Package appeal lets authors contest the moderation of their hidden tells.
package appeal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tellbrandz/outbox"
)

const maxReasonLength = 2000

// ErrInvalidInput signals a malformed request.
var ErrInvalidInput = errors.New("appeal: invalid input")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool   TxBeginner
	repo   Repository
	outbox OutboxWriter
}

func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter) *Service {
	return &Service{pool: pool, repo: repo, outbox: outbox}
}

// List returns the author's appeals; admins see every appeal.
func (s *Service) List(ctx context.Context, actorID string, admin bool, status Status) ([]Record, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrInvalidInput)
	}
	if status != "" && !validStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if admin {
		return s.repo.List(ctx, "", status)
	}
	return s.repo.List(ctx, actorID, status)
}

func (s *Service) Create(ctx context.Context, authorID, tellID, reason string) (Record, error) {
	if authorID == "" {
		return Record{}, fmt.Errorf("%w: missing author", ErrInvalidInput)
	}
	if _, err := uuid.Parse(tellID); err != nil {
		return Record{}, ErrNotFound
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Record{}, fmt.Errorf("%w: reason required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return Record{}, fmt.Errorf("%w: reason longer than %d characters", ErrInvalidInput, maxReasonLength)
	}
	return s.repo.Create(ctx, authorID, tellID, reason)
}

// Resolve records a moderator's verdict. An upheld appeal makes the tell
// visible again in the same transaction.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if !params.Admin {
		return Record{}, ErrForbidden
	}
	if _, err := uuid.Parse(params.AppealID); err != nil {
		return Record{}, ErrNotFound
	}
	status := StatusRejected
	if params.Upheld {
		status = StatusUpheld
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("appeal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Resolve(ctx, tx, params.AppealID, status)
	if err != nil {
		return Record{}, err
	}
	if params.Upheld {
		if err := s.repo.Unhide(ctx, tx, rec.TellID); err != nil {
			return Record{}, err
		}
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicAppealResolved, map[string]any{
		"appeal_id":   rec.ID,
		"tell_id":     rec.TellID,
		"status":      string(rec.Status),
		"reviewer_id": params.ReviewerID,
	}); err != nil {
		return Record{}, fmt.Errorf("appeal: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("appeal: commit tx: %w", err)
	}
	return rec, nil
}

func validStatus(s Status) bool {
	switch s {
	case StatusUnderReview, StatusUpheld, StatusRejected:
		return true
	default:
		return false
	}
}
