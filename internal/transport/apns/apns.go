// Package apns delivers notifications to iOS devices over the APNs HTTP/2
// provider API using token-based authentication.
package apns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/transport"
)

type Options struct {
	// Host overrides the production/development gateway. Used by tests.
	Host       string
	HTTPClient *http.Client
}

type Transport struct {
	fanout transport.Fanout
	opts   Options
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*tenantClient
}

// tenantClient is a token client bound to one tenant's credentials. The
// underlying HTTP/2 connection is reused across sends until the
// credentials change.
type tenantClient struct {
	creds  credentials
	client *apns2.Client
}

type credentials struct {
	keyID, teamID, privateKey string
	production                bool
}

func New(fanout transport.Fanout, opts Options, log zerolog.Logger) *Transport {
	return &Transport{
		fanout:  fanout,
		opts:    opts,
		log:     log.With().Str("transport", "apns").Logger(),
		now:     time.Now,
		clients: make(map[string]*tenantClient),
	}
}

func (t *Transport) Platform() models.Platform { return models.PlatformIOS }

func (t *Transport) clientFor(app *models.Application) (*apns2.Client, error) {
	creds := credentials{
		keyID:      app.APNsKeyID,
		teamID:     app.APNsTeamID,
		privateKey: app.APNsPrivateKey,
		production: app.APNsProduction,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tc, ok := t.clients[app.ID]; ok && tc.creds == creds {
		return tc.client, nil
	}

	key, err := token.AuthKeyFromBytes([]byte(app.APNsPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("apns: parse auth key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: key,
		KeyID:   app.APNsKeyID,
		TeamID:  app.APNsTeamID,
	})
	if app.APNsProduction {
		client = client.Production()
	} else {
		client = client.Development()
	}
	if t.opts.Host != "" {
		client.Host = t.opts.Host
	}
	if t.opts.HTTPClient != nil {
		client.HTTPClient = t.opts.HTTPClient
	}

	t.clients[app.ID] = &tenantClient{creds: creds, client: client}
	t.log.Debug().Str("app_id", app.ID).Bool("production", app.APNsProduction).Msg("created apns client")
	return client, nil
}

func (t *Transport) SendBatch(ctx context.Context, app *models.Application, devices []models.Device, msg transport.Message) (*transport.BatchResult, error) {
	if !app.HasAPNs() {
		return nil, fmt.Errorf("apns: %w", transport.ErrNotConfigured)
	}
	client, err := t.clientFor(app)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrNotConfigured, err)
	}
	return t.fanout.Run(ctx, devices, func(ctx context.Context, d models.Device) transport.Outcome {
		return t.push(ctx, client, app, d, msg)
	}), nil
}

func (t *Transport) Send(ctx context.Context, app *models.Application, device models.Device, msg transport.Message) transport.Outcome {
	if !app.HasAPNs() {
		return transport.Failed(transport.KindUnknown, "apns credentials not configured")
	}
	client, err := t.clientFor(app)
	if err != nil {
		return transport.Failed(transport.KindUnknown, err.Error())
	}
	return t.push(ctx, client, app, device, msg)
}

func (t *Transport) push(ctx context.Context, client *apns2.Client, app *models.Application, device models.Device, msg transport.Message) transport.Outcome {
	if device.Token == "" {
		return transport.Failed(transport.KindExpired, "missing device token")
	}

	n := t.notification(app, device, msg)
	resp, err := client.PushWithContext(ctx, n)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return transport.Failed(transport.KindTransient, err.Error())
		}
		return transport.Failed(transport.KindUnknown, err.Error())
	}
	if resp.Sent() {
		return transport.Succeeded()
	}

	kind := classify(resp)
	t.log.Debug().
		Str("device_id", device.ID).
		Int("status_code", resp.StatusCode).
		Str("reason", resp.Reason).
		Str("kind", string(kind)).
		Msg("apns rejected notification")
	return transport.Failed(kind, fmt.Sprintf("apns returned %d: %s", resp.StatusCode, resp.Reason))
}

func (t *Transport) notification(app *models.Application, device models.Device, msg transport.Message) *apns2.Notification {
	p := msg.Payload
	body := payload.NewPayload().
		AlertTitle(p.Title).
		AlertBody(p.Body).
		Sound("default").
		MutableContent().
		Custom("notificationId", msg.NotificationID)
	if p.URL != "" {
		body.Custom("url", p.URL)
	}
	if p.Image != "" {
		body.Custom("image", p.Image)
	}
	if len(p.Data) > 0 {
		body.Custom("data", p.Data)
	}
	if msg.CallbackURL != "" {
		body.Custom("apiUrl", msg.CallbackURL)
	}
	if p.CollapseID != "" {
		body.ThreadID(p.CollapseID)
	}

	priority := apns2.PriorityHigh
	if p.Priority == models.PriorityLow {
		priority = apns2.PriorityLow
	}

	return &apns2.Notification{
		DeviceToken: device.Token,
		Topic:       app.APNsBundleID,
		Payload:     body,
		Priority:    priority,
		CollapseID:  p.CollapseID,
		Expiration:  t.now().Add(p.TTLDuration()),
		PushType:    apns2.PushTypeAlert,
	}
}

// classify maps an APNs rejection. Only token reasons are actionable;
// everything else, throttling and server errors included, is Unknown.
func classify(resp *apns2.Response) transport.ErrorKind {
	switch resp.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return transport.KindExpired
	}
	return transport.KindUnknown
}
