package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Source returns the policy for a business.
type Source interface {
	Get(ctx context.Context, businessID string) (*Policy, error)
}

// Store persists policies in Redis.
type Store struct {
	redis *redis.Client
}

// NewStore creates a new Redis-backed policy store.
func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func (s *Store) key(businessID string) string {
	return fmt.Sprintf("dispatch:policy:%s", businessID)
}

// Get retrieves the policy for a business, returning defaults if none is stored.
func (s *Store) Get(ctx context.Context, businessID string) (*Policy, error) {
	data, err := s.redis.Get(ctx, s.key(businessID)).Bytes()
	if err == redis.Nil {
		return DefaultPolicy(businessID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: get: %w", err)
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: unmarshal: %w", err)
	}
	if p.BusinessID == "" {
		p.BusinessID = businessID
	}
	p.Normalize()
	return &p, nil
}

// Set saves the policy for a business.
func (s *Store) Set(ctx context.Context, p *Policy) error {
	if p == nil || p.BusinessID == "" {
		return fmt.Errorf("policy: business id required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy: marshal: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(p.BusinessID), data, 0).Err(); err != nil {
		return fmt.Errorf("policy: set: %w", err)
	}
	return nil
}

// StaticSource serves policies from memory, for local runs and tests.
type StaticSource struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewStaticSource(policies ...*Policy) *StaticSource {
	s := &StaticSource{policies: make(map[string]*Policy)}
	for _, p := range policies {
		s.Put(p)
	}
	return s
}

func (s *StaticSource) Put(p *Policy) {
	p.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.BusinessID] = p
}

func (s *StaticSource) Get(_ context.Context, businessID string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[businessID]; ok {
		cp := *p
		return &cp, nil
	}
	return DefaultPolicy(businessID), nil
}

// Set stores p, mirroring Store.Set for local runs.
func (s *StaticSource) Set(_ context.Context, p *Policy) error {
	if p == nil || p.BusinessID == "" {
		return fmt.Errorf("policy: business id required")
	}
	s.Put(p)
	return nil
}
