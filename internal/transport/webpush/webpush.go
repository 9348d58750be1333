// Package webpush delivers notifications to browsers over the Web Push
// protocol, encrypting each payload against the subscription keys and
// authenticating with the tenant's VAPID key pair.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/transport"
)

type Options struct {
	// Subject is the VAPID contact used when a tenant has none.
	Subject    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Transport struct {
	fanout  transport.Fanout
	client  *http.Client
	subject string
	log     zerolog.Logger
}

func New(fanout transport.Fanout, opts Options, log zerolog.Logger) *Transport {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Transport{
		fanout:  fanout,
		client:  client,
		subject: opts.Subject,
		log:     log.With().Str("transport", "webpush").Logger(),
	}
}

// GenerateKeys creates a VAPID key pair for a new tenant.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = wp.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}

func (t *Transport) Platform() models.Platform { return models.PlatformWeb }

func (t *Transport) SendBatch(ctx context.Context, app *models.Application, devices []models.Device, msg transport.Message) (*transport.BatchResult, error) {
	if !app.HasVAPID() {
		return nil, fmt.Errorf("webpush: %w", transport.ErrNotConfigured)
	}
	return t.fanout.Run(ctx, devices, func(ctx context.Context, d models.Device) transport.Outcome {
		return t.Send(ctx, app, d, msg)
	}), nil
}

func (t *Transport) Send(ctx context.Context, app *models.Application, device models.Device, msg transport.Message) transport.Outcome {
	if !app.HasVAPID() {
		return transport.Failed(transport.KindUnknown, "vapid keys not configured")
	}
	if device.Endpoint == "" || device.P256dh == "" || device.Auth == "" {
		return transport.Failed(transport.KindUnknown, "incomplete push subscription")
	}

	body, err := encodePayload(msg)
	if err != nil {
		return transport.Failed(transport.KindUnknown, err.Error())
	}

	sub := &wp.Subscription{
		Endpoint: device.Endpoint,
		Keys:     wp.Keys{P256dh: device.P256dh, Auth: device.Auth},
	}
	opts := &wp.Options{
		HTTPClient:      t.client,
		Subscriber:      t.subscriber(app),
		VAPIDPublicKey:  app.VAPIDPublicKey,
		VAPIDPrivateKey: app.VAPIDPrivateKey,
		TTL:             int(msg.Payload.TTLDuration() / time.Second),
		Urgency:         urgency(msg.Payload.Priority),
	}
	if validTopic(msg.Payload.CollapseID) {
		opts.Topic = msg.Payload.CollapseID
	}

	resp, err := wp.SendNotificationWithContext(ctx, body, sub, opts)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return transport.Failed(transport.KindTransient, err.Error())
		}
		return transport.Failed(transport.KindUnknown, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return transport.Succeeded()
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	kind := transport.ClassifyHTTPStatus(resp.StatusCode)
	t.log.Debug().
		Str("device_id", device.ID).
		Int("status_code", resp.StatusCode).
		Str("kind", string(kind)).
		Msg("push service rejected notification")
	return transport.Failed(kind, fmt.Sprintf("push service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
}

func (t *Transport) subscriber(app *models.Application) string {
	s := app.VAPIDSubject
	if s == "" {
		s = t.subject
	}
	return strings.TrimPrefix(s, "mailto:")
}

type payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Image string         `json:"image,omitempty"`
	Tag   string         `json:"tag"`
	Data  map[string]any `json:"data"`
}

func encodePayload(msg transport.Message) ([]byte, error) {
	p := msg.Payload
	data := make(map[string]any, len(p.Data)+3)
	for k, v := range p.Data {
		data[k] = v
	}
	data["notificationId"] = msg.NotificationID
	if p.URL != "" {
		data["url"] = p.URL
	}
	if msg.CallbackURL != "" {
		data["apiUrl"] = msg.CallbackURL
	}

	tag := p.CollapseID
	if tag == "" {
		tag = msg.NotificationID
	}
	return json.Marshal(payload{
		Title: p.Title,
		Body:  p.Body,
		Icon:  p.Icon,
		Image: p.Image,
		Tag:   tag,
		Data:  data,
	})
}

func urgency(p models.Priority) wp.Urgency {
	switch p {
	case models.PriorityHigh:
		return wp.UrgencyHigh
	case models.PriorityLow:
		return wp.UrgencyLow
	}
	return wp.UrgencyNormal
}

// validTopic reports whether s can be sent as a Topic header: at most 32
// characters from the URL-safe base64 alphabet.
func validTopic(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
