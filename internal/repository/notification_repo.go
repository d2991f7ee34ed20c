package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crowdfund/internal/model"
)

// 发送者资料来自 users 表，系统通知没有发送者
const notificationViewQuery = `
	SELECT n.id, n.receiver_id, n.sender_id, n.type, n.post_id, n.campaign_id, n.event_id,
	       n.message, n.is_read, n.created_at,
	       COALESCE(u.username, ''), COALESCE(u.avatar_url, '')
	FROM notifications n
	LEFT JOIN users u ON u.id = n.sender_id`

type NotificationRepository struct {
	db *pgxpool.Pool
}

func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Insert(ctx context.Context, n *model.Notification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notifications (id, receiver_id, sender_id, type, post_id, campaign_id, event_id, message, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, n.ID, n.ReceiverID, n.SenderID, n.Type, n.PostID, n.CampaignID, n.EventID, n.Message, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", mapErr(err))
	}
	return nil
}

func scanNotificationView(row pgx.Row) (*model.NotificationView, error) {
	var v model.NotificationView
	err := row.Scan(
		&v.ID, &v.ReceiverID, &v.SenderID, &v.Type, &v.PostID, &v.CampaignID, &v.EventID,
		&v.Message, &v.IsRead, &v.CreatedAt,
		&v.SenderUsername, &v.SenderAvatarURL,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetView 回表补全通知的客户端形态
func (r *NotificationRepository) GetView(ctx context.Context, id uuid.UUID) (*model.NotificationView, error) {
	v, err := scanNotificationView(r.db.QueryRow(ctx, notificationViewQuery+` WHERE n.id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return v, nil
}

func (r *NotificationRepository) ListByReceiver(ctx context.Context, receiverID uuid.UUID, limit int) ([]model.NotificationView, error) {
	rows, err := r.db.Query(ctx, notificationViewQuery+`
		WHERE n.receiver_id = $1
		ORDER BY n.created_at DESC
		LIMIT $2
	`, receiverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []model.NotificationView{}
	for rows.Next() {
		v, err := scanNotificationView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// MarkRead 只有接收者本人可以标记
func (r *NotificationRepository) MarkRead(ctx context.Context, id, receiverID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND receiver_id = $2`, id, receiverID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
