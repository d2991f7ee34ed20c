package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// ListAdminIDs returns every admin account id.
func (r *UserRepository) ListAdminIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM users WHERE role = 'admin' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteUnverifiedBefore removes accounts never verified and created before cutoff.
func (r *UserRepository) DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE is_verified = FALSE AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete unverified users: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EventRepository 社交活动表，只负责到期完成
type EventRepository struct {
	db *pgxpool.Pool
}

func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// CompleteExpired 把已结束的活动置为 completed，已完成的不受影响
func (r *EventRepository) CompleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE events
		SET status = 'completed', updated_at = $1
		WHERE status IN ('upcoming', 'ongoing') AND end_date <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("complete expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}
