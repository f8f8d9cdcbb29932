// Package notification stores in-app notifications. Delivery is best effort:
// Notify never reports failure to its caller.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tellbrandz/logging"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	deliveryTimeout  = 3 * time.Second
)

// ErrInvalidInput signals a malformed request.
var ErrInvalidInput = errors.New("notification: invalid input")

// FailureRecorder counts dropped notifications.
type FailureRecorder interface {
	NotificationFailed()
}

type Service struct {
	repo        Repository
	logger      *zap.Logger
	failures    FailureRecorder
	idGenerator func() string
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		logger:      zap.NewNop(),
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	s.logger = logging.OrNop(l).Named("notification")
	return s
}

func (s *Service) WithFailureRecorder(r FailureRecorder) *Service {
	s.failures = r
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Notify stores a message for userID. Failures are logged and counted, never
// returned. The write is detached from ctx cancellation and bounded by its own
// timeout so a finished request still delivers.
func (s *Service) Notify(ctx context.Context, userID, tellID, message string) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(message) == "" {
		s.dropped(tellID, userID, fmt.Errorf("%w: recipient and message required", ErrInvalidInput))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	n := Notification{ID: s.idGenerator(), UserID: userID, Message: message}
	if tellID != "" {
		n.TellID = &tellID
	}
	if _, err := s.repo.Insert(ctx, n); err != nil {
		s.dropped(tellID, userID, err)
		return
	}
	s.logger.Debug("notification stored", zap.String("tell_id", tellID), zap.String("user_id", userID))
}

func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.List(ctx, userID, unreadOnly, limit)
}

func (s *Service) MarkRead(ctx context.Context, userID, id string) (Notification, error) {
	if userID == "" || id == "" {
		return Notification{}, fmt.Errorf("%w: user and notification id required", ErrInvalidInput)
	}
	if _, err := uuid.Parse(id); err != nil {
		return Notification{}, ErrNotFound
	}
	return s.repo.MarkRead(ctx, userID, id)
}

func (s *Service) dropped(tellID, userID string, err error) {
	s.logger.Warn("notification dropped",
		zap.String("tell_id", tellID),
		zap.String("user_id", userID),
		zap.Error(err),
	)
	if s.failures != nil {
		s.failures.NotificationFailed()
	}
}
