package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/drs"
)

var _ drs.RecommendationRepository = (*RecommendationRepository)(nil)

const recommendationColumns = `
	id, cycle_id, simulation_time, priority, reason, message,
	vm_id, vm_name, source_host_id, source_host_name, target_host_id, target_host_name,
	demand_mips, status, created_at, applied_at, applied_by`

// RecommendationRepository stores migration recommendations in the
// migration_recommendations table.
type RecommendationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRecommendationRepository creates a new PostgreSQL recommendation repository.
func NewRecommendationRepository(db *DB, logger *zap.Logger) *RecommendationRepository {
	return &RecommendationRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "recommendation")),
	}
}

// Create stores a new recommendation.
func (r *RecommendationRepository) Create(ctx context.Context, rec *domain.MigrationRecommendation) (*domain.MigrationRecommendation, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO migration_recommendations (` + recommendationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := r.db.pool.Exec(ctx, query,
		rec.ID,
		rec.CycleID,
		rec.SimulationTime,
		string(rec.Priority),
		string(rec.Reason),
		rec.Message,
		rec.VMID,
		rec.VMName,
		rec.SourceHostID,
		rec.SourceHostName,
		rec.TargetHostID,
		rec.TargetHostName,
		rec.DemandMips,
		string(rec.Status),
		rec.CreatedAt,
		rec.AppliedAt,
		rec.AppliedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		r.logger.Error("Failed to create recommendation", zap.Error(err), zap.String("id", rec.ID))
		return nil, fmt.Errorf("failed to insert recommendation: %w", err)
	}

	return rec, nil
}

// Get retrieves a recommendation by ID.
func (r *RecommendationRepository) Get(ctx context.Context, id string) (*domain.MigrationRecommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM migration_recommendations WHERE id = $1`

	rec, err := scanRecommendation(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("Failed to get recommendation", zap.Error(err), zap.String("id", id))
		return nil, fmt.Errorf("failed to scan recommendation: %w", err)
	}
	return rec, nil
}

// List returns recommendations newest first. An empty status matches all.
func (r *RecommendationRepository) List(ctx context.Context, status domain.RecommendationStatus, limit int) ([]*domain.MigrationRecommendation, error) {
	query := `
		SELECT ` + recommendationColumns + `
		FROM migration_recommendations
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
	`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list recommendations", zap.Error(err))
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*domain.MigrationRecommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recommendation row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recommendations: %w", err)
	}
	return recs, nil
}

// Update overwrites the mutable fields of a recommendation.
func (r *RecommendationRepository) Update(ctx context.Context, rec *domain.MigrationRecommendation) (*domain.MigrationRecommendation, error) {
	query := `
		UPDATE migration_recommendations SET
			status = $2,
			applied_at = $3,
			applied_by = $4
		WHERE id = $1
	`

	result, err := r.db.pool.Exec(ctx, query, rec.ID, string(rec.Status), rec.AppliedAt, rec.AppliedBy)
	if err != nil {
		r.logger.Error("Failed to update recommendation", zap.Error(err), zap.String("id", rec.ID))
		return nil, fmt.Errorf("failed to update recommendation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}

	r.logger.Debug("Updated recommendation", zap.String("id", rec.ID), zap.String("status", string(rec.Status)))
	return rec, nil
}

// Delete removes a recommendation by ID.
func (r *RecommendationRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM migration_recommendations WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("Failed to delete recommendation", zap.Error(err), zap.String("id", id))
		return fmt.Errorf("failed to delete recommendation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteOld removes recommendations created before olderThan.
func (r *RecommendationRepository) DeleteOld(ctx context.Context, olderThan time.Time) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM migration_recommendations WHERE created_at < $1`, olderThan)
	if err != nil {
		return fmt.Errorf("failed to delete old recommendations: %w", err)
	}
	if n := result.RowsAffected(); n > 0 {
		r.logger.Info("Deleted old recommendations", zap.Int64("count", n))
	}
	return nil
}

func scanRecommendation(row pgx.Row) (*domain.MigrationRecommendation, error) {
	rec := &domain.MigrationRecommendation{}
	var priority, reason, status string

	err := row.Scan(
		&rec.ID,
		&rec.CycleID,
		&rec.SimulationTime,
		&priority,
		&reason,
		&rec.Message,
		&rec.VMID,
		&rec.VMName,
		&rec.SourceHostID,
		&rec.SourceHostName,
		&rec.TargetHostID,
		&rec.TargetHostName,
		&rec.DemandMips,
		&status,
		&rec.CreatedAt,
		&rec.AppliedAt,
		&rec.AppliedBy,
	)
	if err != nil {
		return nil, err
	}

	rec.Priority = domain.RecommendationPriority(priority)
	rec.Reason = domain.RecommendationReason(reason)
	rec.Status = domain.RecommendationStatus(status)
	return rec, nil
}

// isUniqueViolation reports a duplicate primary key.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
