package models

import (
	"errors"
	"time"
)

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationScheduled NotificationStatus = "scheduled"
	NotificationSending   NotificationStatus = "sending"
	NotificationCompleted NotificationStatus = "completed"
	NotificationFailed    NotificationStatus = "failed"
	NotificationCancelled NotificationStatus = "cancelled"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// DefaultTTL is applied when a payload does not carry its own.
const DefaultTTL = 24 * time.Hour

// Payload is what the device renders. Data is opaque and passed through.
type Payload struct {
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Icon       string         `json:"icon,omitempty"`
	Image      string         `json:"image,omitempty"`
	URL        string         `json:"url,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	TTL        int            `json:"ttl,omitempty"`
	Priority   Priority       `json:"priority,omitempty"`
	CollapseID string         `json:"collapse_id,omitempty"`
	ChannelID  string         `json:"channel_id,omitempty"`
}

func (p Payload) Validate() error {
	if p.Title == "" {
		return errors.New("title is required")
	}
	if p.Body == "" {
		return errors.New("body is required")
	}
	if p.TTL < 0 {
		return errors.New("ttl must not be negative")
	}
	switch p.Priority {
	case "", PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return errors.New("priority must be high, normal or low")
	}
	return nil
}

// TTLDuration returns the payload TTL, falling back to DefaultTTL.
func (p Payload) TTLDuration() time.Duration {
	if p.TTL <= 0 {
		return DefaultTTL
	}
	return time.Duration(p.TTL) * time.Second
}

// Targeting selects devices within one tenant. Empty fields do not filter.
// Tags match when a device carries any of them.
type Targeting struct {
	Platform  Platform `json:"platform,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Segment   string   `json:"segment,omitempty"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}

type Notification struct {
	ID        string             `json:"id"`
	AppID     string             `json:"app_id"`
	Payload   Payload            `json:"payload"`
	Targeting Targeting          `json:"targeting"`
	Status    NotificationStatus `json:"status"`

	TotalSent      int `json:"total_sent"`
	TotalDelivered int `json:"total_delivered"`
	TotalClicked   int `json:"total_clicked"`
	TotalFailed    int `json:"total_failed"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Segment is a named, reusable targeting filter.
type Segment struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	Name      string    `json:"name"`
	Filters   Targeting `json:"filters"`
	CreatedAt time.Time `json:"created_at"`
}
