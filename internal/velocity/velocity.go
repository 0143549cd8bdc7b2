// Package velocity provides statement submission velocity per account.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultWindow is used when no window is configured.
const DefaultWindow = 30 * 24 * time.Hour

// Service counts how often statements for the same account are submitted.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service.
// With a cache, counts come from windowed counters; otherwise from stored analyses.
func NewService(repo domain.Repository, cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		window: window,
	}
}

// RecordSubmission registers a submission for the account and returns the
// number of submissions in the window, this one included.
func (s *Service) RecordSubmission(ctx context.Context, tenantID, accountNumber string) (int64, error) {
	if tenantID == "" || accountNumber == "" {
		return 0, fmt.Errorf("tenantID and accountNumber are required")
	}

	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, tenantID, "account:"+accountNumber, s.window)
		if err != nil {
			return 0, fmt.Errorf("failed to increment submission counter: %w", err)
		}
		return count, nil
	}

	if s.repo != nil {
		count, err := s.repo.CountAnalysesByAccount(ctx, tenantID, accountNumber, time.Now().Add(-s.window))
		if err != nil {
			return 0, fmt.Errorf("failed to count analyses: %w", err)
		}
		return count + 1, nil
	}

	return 0, fmt.Errorf("no data source available")
}

// Window returns the counting window.
func (s *Service) Window() time.Duration {
	return s.window
}
