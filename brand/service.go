package brand

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInput signals a malformed brand or policy.
var ErrInvalidInput = errors.New("brand: invalid input")

// Store abstracts repository operations for the service.
type Store interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	Create(ctx context.Context, params CreateParams) (Profile, error)
	AddMember(ctx context.Context, brandID, userID string) error
	IsRepresentative(ctx context.Context, brandID, userID string) (bool, error)
}

// Service exposes business-level brand operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// GetByID returns the brand profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	if strings.TrimSpace(id) == "" {
		return Profile{}, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit brand profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// Create validates and registers a brand.
func (s *Service) Create(ctx context.Context, params CreateParams) (Profile, error) {
	params.Name = strings.TrimSpace(params.Name)
	if params.Name == "" {
		return Profile{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	}
	params.Policy.Currency = strings.ToUpper(strings.TrimSpace(params.Policy.Currency))
	if params.Policy.Currency == "" {
		params.Policy.Currency = "NGN"
	}
	if len(params.Policy.Currency) != 3 {
		return Profile{}, fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidInput)
	}
	if params.Policy.Fee < 0 {
		return Profile{}, fmt.Errorf("%w: negative resolution fee", ErrInvalidInput)
	}
	if params.Policy.Paid && params.Policy.Fee == 0 {
		return Profile{}, fmt.Errorf("%w: paid resolution requires a fee", ErrInvalidInput)
	}
	return s.repo.Create(ctx, params)
}

// AddMember authorises userID to represent brandID.
func (s *Service) AddMember(ctx context.Context, brandID, userID string) error {
	if brandID == "" || userID == "" {
		return fmt.Errorf("%w: brand and user required", ErrInvalidInput)
	}
	return s.repo.AddMember(ctx, brandID, userID)
}

// IsRepresentative reports whether userID may act for brandID.
func (s *Service) IsRepresentative(ctx context.Context, brandID, userID string) (bool, error) {
	if brandID == "" || userID == "" {
		return false, nil
	}
	return s.repo.IsRepresentative(ctx, brandID, userID)
}

// ResolutionPolicy returns the brand's configured resolution-fee policy.
func (s *Service) ResolutionPolicy(ctx context.Context, brandID string) (ResolutionPolicy, error) {
	profile, err := s.repo.GetByID(ctx, brandID)
	if err != nil {
		return ResolutionPolicy{}, err
	}
	return profile.Policy, nil
}
