package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryClicked   DeliveryStatus = "clicked"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is the per-device record of one notification.
type Delivery struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	DeviceID       string         `json:"device_id"`
	Status         DeliveryStatus `json:"status"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ClickedAt      *time.Time     `json:"clicked_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AdvancesFrom lists the states a delivery may move to s from. Delivery
// state only moves forward; failed rows may still be acknowledged.
func (s DeliveryStatus) AdvancesFrom() []DeliveryStatus {
	switch s {
	case DeliveryDelivered:
		return []DeliveryStatus{DeliveryPending, DeliverySent, DeliveryFailed}
	case DeliveryClicked:
		return []DeliveryStatus{DeliveryPending, DeliverySent, DeliveryFailed, DeliveryDelivered}
	}
	return nil
}
