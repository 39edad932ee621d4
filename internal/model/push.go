package model

import "time"

// Notification types recorded in sent_notifications.
const (
	NotifTypePendingCheckout = "pending_checkout"
)

// PushSubscription is a supervisor device registered for web push.
type PushSubscription struct {
	ID         int64     `json:"id"`
	Endpoint   string    `json:"endpoint"`
	P256dhKey  string    `json:"p256dh_key"`
	AuthKey    string    `json:"auth_key"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
}
