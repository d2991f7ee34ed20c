package mq

import "github.com/google/uuid"

// NotificationCreatedPayload 只携带 ID，消费端回表补全发送者信息
type NotificationCreatedPayload struct {
	Meta
	NotificationID uuid.UUID `json:"notification_id"`
	ReceiverID     uuid.UUID `json:"receiver_id"`
	Type           string    `json:"type"`
}

func (p NotificationCreatedPayload) AggregateID() string { return p.NotificationID.String() }
