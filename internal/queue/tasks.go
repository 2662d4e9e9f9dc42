package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voebot/internal/schedule"
)

// UpdateTask asks the update stage to refresh one address for its subscribers.
type UpdateTask struct {
	SubscriptionArgs string    `json:"subscriptionArgs"`
	UserIDs          []int64   `json:"userIds"`
	Attempt          int       `json:"attempt,omitempty"`
	EnqueuedAt       time.Time `json:"enqueuedAt,omitzero"`
	OriginalError    string    `json:"originalError,omitempty"`
}

// NotificationTask carries one changed schedule to one subscriber.
type NotificationTask struct {
	UserID           int64               `json:"userId"`
	Data             []schedule.Interval `json:"data"`
	Alias            string              `json:"alias"`
	LastUpdatedAt    time.Time           `json:"lastUpdatedAt,omitzero"`
	SubscriptionArgs string              `json:"subscriptionArgs"`
	Attempt          int                 `json:"attempt,omitempty"`
	EnqueuedAt       time.Time           `json:"enqueuedAt,omitzero"`
	OriginalError    string              `json:"originalError,omitempty"`
}

// UpdateQueue is the typed gateway for UpdateTask messages.
type UpdateQueue struct{ Queue }

func NewUpdateQueue(q Queue) *UpdateQueue { return &UpdateQueue{Queue: q} }

func (u *UpdateQueue) Enqueue(ctx context.Context, t UpdateTask) (string, error) {
	ids, err := u.EnqueueBatch(ctx, []UpdateTask{t})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (u *UpdateQueue) EnqueueBatch(ctx context.Context, tasks []UpdateTask) ([]string, error) {
	now := time.Now().UTC()
	bodies := make([][]byte, 0, len(tasks))
	for _, t := range tasks {
		if t.EnqueuedAt.IsZero() {
			t.EnqueuedAt = now
		}
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode update task: %w", err)
		}
		bodies = append(bodies, b)
	}
	return u.SendBatch(ctx, bodies)
}

// DecodeUpdate decodes a delivery. The transport attempt counter wins over
// the one stamped in the body.
func DecodeUpdate(d Delivery) (UpdateTask, error) {
	var t UpdateTask
	if err := json.Unmarshal(d.Body, &t); err != nil {
		return UpdateTask{}, fmt.Errorf("decode update task %s: %w", d.ID, err)
	}
	if d.Attempt > t.Attempt {
		t.Attempt = d.Attempt
	}
	return t, nil
}

// NotificationQueue is the typed gateway for NotificationTask messages.
type NotificationQueue struct{ Queue }

func NewNotificationQueue(q Queue) *NotificationQueue { return &NotificationQueue{Queue: q} }

func (n *NotificationQueue) Enqueue(ctx context.Context, t NotificationTask) (string, error) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode notification task: %w", err)
	}
	return n.Send(ctx, b)
}

func DecodeNotification(d Delivery) (NotificationTask, error) {
	var t NotificationTask
	if err := json.Unmarshal(d.Body, &t); err != nil {
		return NotificationTask{}, fmt.Errorf("decode notification task %s: %w", d.ID, err)
	}
	if d.Attempt > t.Attempt {
		t.Attempt = d.Attempt
	}
	return t, nil
}
