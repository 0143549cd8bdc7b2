// Package cache provides tenant-scoped caches: an in-process LRU, Redis,
// and a two-tier combination of both.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrTenantRequired is returned for calls without a tenant.
var ErrTenantRequired = errors.New("tenantID is required")

// New builds the cache named by cfg.Type. A "redis" cache is fronted by a
// local LRU when cfg.EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// byteStore is the raw key/value surface the result helpers build on.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func resultKey(digest string) string {
	return "result:" + digest
}

func counterKey(key string) string {
	return "counter:" + key
}

// getResult loads a cached analysis result. A miss is nil, nil.
func getResult(ctx context.Context, s byteStore, tenantID, digest string) (*domain.AnalysisResult, error) {
	data, err := s.Get(ctx, tenantID, resultKey(digest))
	if err != nil || data == nil {
		return nil, err
	}

	var result domain.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached result %s: %w", digest, err)
	}
	return &result, nil
}

func setResult(ctx context.Context, s byteStore, tenantID, digest string, result *domain.AnalysisResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis result: %w", err)
	}
	return s.Set(ctx, tenantID, resultKey(digest), data, ttl)
}
