// Package memory provides in-memory repository implementations for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/drs"
)

// Ensure RecommendationRepository implements drs.RecommendationRepository
var _ drs.RecommendationRepository = (*RecommendationRepository)(nil)

// RecommendationRepository is an in-memory implementation of the recommendation repository.
type RecommendationRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.MigrationRecommendation
}

// NewRecommendationRepository creates a new in-memory recommendation repository.
func NewRecommendationRepository() *RecommendationRepository {
	return &RecommendationRepository{
		data: make(map[string]*domain.MigrationRecommendation),
	}
}

// Create stores a new recommendation.
func (r *RecommendationRepository) Create(ctx context.Context, rec *domain.MigrationRecommendation) (*domain.MigrationRecommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := r.data[rec.ID]; exists {
		return nil, domain.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	// Clone to avoid external mutations
	stored := cloneRecommendation(rec)
	r.data[stored.ID] = stored

	return cloneRecommendation(stored), nil
}

// Get retrieves a recommendation by ID.
func (r *RecommendationRepository) Get(ctx context.Context, id string) (*domain.MigrationRecommendation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRecommendation(rec), nil
}

// List returns recommendations with status, newest first.
func (r *RecommendationRepository) List(ctx context.Context, status domain.RecommendationStatus, limit int) ([]*domain.MigrationRecommendation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.MigrationRecommendation
	for _, rec := range r.data {
		if status != "" && rec.Status != status {
			continue
		}
		result = append(result, cloneRecommendation(rec))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Update replaces a stored recommendation.
func (r *RecommendationRepository) Update(ctx context.Context, rec *domain.MigrationRecommendation) (*domain.MigrationRecommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[rec.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	stored := cloneRecommendation(rec)
	r.data[stored.ID] = stored
	return cloneRecommendation(stored), nil
}

// Delete removes a recommendation.
func (r *RecommendationRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// DeleteOld removes recommendations created before olderThan.
func (r *RecommendationRepository) DeleteOld(ctx context.Context, olderThan time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rec := range r.data {
		if rec.CreatedAt.Before(olderThan) {
			delete(r.data, id)
		}
	}
	return nil
}

func cloneRecommendation(rec *domain.MigrationRecommendation) *domain.MigrationRecommendation {
	clone := *rec
	if rec.AppliedAt != nil {
		appliedAt := *rec.AppliedAt
		clone.AppliedAt = &appliedAt
	}
	return &clone
}
