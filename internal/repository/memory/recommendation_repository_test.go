package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/limiquantix/consolidation/internal/domain"
)

func TestRecommendationRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewRecommendationRepository()

	created, err := repo.Create(ctx, &domain.MigrationRecommendation{
		VMName: "vm-1",
		Status: domain.StatusPending,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Errorf("Expected ID and CreatedAt to be set, got %+v", created)
	}

	// Mutating the returned copy must not change the stored one.
	created.VMName = "changed"
	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.VMName != "vm-1" {
		t.Errorf("Expected stored name vm-1, got %s", got.VMName)
	}

	got.Status = domain.StatusApplied
	if _, err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	pending, _ := repo.List(ctx, domain.StatusPending, 0)
	if len(pending) != 0 {
		t.Errorf("Expected no pending recommendations, got %d", len(pending))
	}

	if err := repo.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, created.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecommendationRepository_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewRecommendationRepository()
	base := time.Now()

	for i, name := range []string{"old", "middle", "new"} {
		_, err := repo.Create(ctx, &domain.MigrationRecommendation{
			VMName:    name,
			Status:    domain.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	list, err := repo.List(ctx, "", 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].VMName != "new" || list[1].VMName != "middle" {
		t.Errorf("Unexpected order: %v", list)
	}
}

func TestRecommendationRepository_DeleteOld(t *testing.T) {
	ctx := context.Background()
	repo := NewRecommendationRepository()
	now := time.Now()

	old, _ := repo.Create(ctx, &domain.MigrationRecommendation{CreatedAt: now.Add(-48 * time.Hour)})
	fresh, _ := repo.Create(ctx, &domain.MigrationRecommendation{CreatedAt: now})

	if err := repo.DeleteOld(ctx, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("DeleteOld failed: %v", err)
	}
	if _, err := repo.Get(ctx, old.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Error("expected old recommendation to be deleted")
	}
	if _, err := repo.Get(ctx, fresh.ID); err != nil {
		t.Errorf("expected fresh recommendation to remain, got %v", err)
	}
}

func TestRecommendationRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewRecommendationRepository()

	if _, err := repo.Update(ctx, &domain.MigrationRecommendation{ID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update: expected ErrNotFound, got %v", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Delete: expected ErrNotFound, got %v", err)
	}
}
