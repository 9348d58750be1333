package realtime

import (
	"time"

	"github.com/shohag/pushrelay/internal/transport"
)

const (
	frameRegister     = "register"
	frameRegistered   = "registered"
	frameAck          = "ack"
	frameClick        = "click"
	framePong         = "pong"
	frameNotification = "notification"
	frameError        = "error"
)

// clientFrame is any frame a device sends. Fields unused by a type are empty.
type clientFrame struct {
	Type           string `json:"type"`
	DeviceID       string `json:"deviceId,omitempty"`
	Token          string `json:"token,omitempty"`
	NotificationID string `json:"notificationId,omitempty"`
}

type registeredFrame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NotificationFrame is written to live sockets and returned by polling.
type NotificationFrame struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Icon      string         `json:"icon,omitempty"`
	Image     string         `json:"image,omitempty"`
	URL       string         `json:"url,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func newNotificationFrame(msg transport.Message, now time.Time) NotificationFrame {
	p := msg.Payload
	return NotificationFrame{
		Type:      frameNotification,
		ID:        msg.NotificationID,
		Title:     p.Title,
		Body:      p.Body,
		Icon:      p.Icon,
		Image:     p.Image,
		URL:       p.URL,
		Data:      p.Data,
		Priority:  string(p.Priority),
		ChannelID: p.ChannelID,
		Timestamp: now.UnixMilli(),
	}
}

type pendingMessage struct {
	frame     NotificationFrame
	expiresAt time.Time
}
