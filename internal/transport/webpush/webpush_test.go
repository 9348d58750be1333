package webpush

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/transport"
)

type pushService struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (p *pushService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r.Clone(context.Background()))
	p.mu.Unlock()

	switch r.URL.Path {
	case "/gone":
		w.WriteHeader(http.StatusGone)
	case "/missing":
		w.WriteHeader(http.StatusNotFound)
	case "/busy":
		w.WriteHeader(http.StatusTooManyRequests)
	case "/broken":
		w.WriteHeader(http.StatusBadGateway)
	case "/bad":
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("invalid payload"))
	default:
		w.WriteHeader(http.StatusCreated)
	}
}

func newApp(t *testing.T) *models.Application {
	t.Helper()
	pub, priv, err := GenerateKeys()
	require.NoError(t, err)
	return &models.Application{
		ID:              "app_1",
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		VAPIDSubject:    "mailto:ops@example.com",
		WebPushEnabled:  true,
	}
}

func newDevice(t *testing.T, id, endpoint string) models.Device {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return models.Device{
		ID:       id,
		Platform: models.PlatformWeb,
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newTransport(srv *httptest.Server) *Transport {
	return New(transport.NewFanout(4, 5*time.Second, 0), Options{
		Subject:    "mailto:admin@example.com",
		HTTPClient: srv.Client(),
	}, zerolog.Nop())
}

func TestSendBatchClassifiesResponses(t *testing.T) {
	svc := &pushService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	tr := newTransport(srv)
	app := newApp(t)
	devs := []models.Device{
		newDevice(t, "ok", srv.URL+"/ok"),
		newDevice(t, "gone", srv.URL+"/gone"),
		newDevice(t, "missing", srv.URL+"/missing"),
		newDevice(t, "busy", srv.URL+"/busy"),
		newDevice(t, "broken", srv.URL+"/broken"),
		newDevice(t, "bad", srv.URL+"/bad"),
	}
	msg := transport.Message{
		NotificationID: "ntf_1",
		Payload:        models.Payload{Title: "Hi", Body: "There", Priority: models.PriorityHigh, CollapseID: "promo-1"},
	}

	res, err := tr.SendBatch(context.Background(), app, devs, msg)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Total)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 5, res.Failed)
	assert.ElementsMatch(t, []string{"gone", "missing"}, res.Expired)

	kinds := map[string]transport.ErrorKind{}
	for _, e := range res.Errors {
		kinds[e.DeviceID] = e.Kind
	}
	assert.Equal(t, transport.KindRateLimited, kinds["busy"])
	assert.Equal(t, transport.KindUnknown, kinds["broken"])
	assert.Equal(t, transport.KindUnknown, kinds["bad"])

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.requests, 6)
	for _, r := range svc.requests {
		assert.Equal(t, "86400", r.Header.Get("TTL"))
		assert.Equal(t, "high", r.Header.Get("Urgency"))
		assert.Equal(t, "promo-1", r.Header.Get("Topic"))
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		assert.Contains(t, r.Header.Get("Authorization"), "vapid")
	}
}

func TestSendBatchWithoutVAPIDKeys(t *testing.T) {
	tr := New(transport.NewFanout(1, time.Second, 0), Options{}, zerolog.Nop())
	res, err := tr.SendBatch(context.Background(), &models.Application{ID: "app_1"}, []models.Device{{ID: "d"}}, transport.Message{})
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, transport.ErrNotConfigured))
}

func TestSendNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/ok"
	srv.Close()

	tr := newTransport(srv)
	out := tr.Send(context.Background(), newApp(t), newDevice(t, "d", endpoint), transport.Message{
		NotificationID: "ntf_1",
		Payload:        models.Payload{Title: "a", Body: "b"},
	})
	assert.False(t, out.Success)
	assert.Equal(t, transport.KindTransient, out.Kind)
}

func TestEncodePayload(t *testing.T) {
	body, err := encodePayload(transport.Message{
		NotificationID: "ntf_1",
		CallbackURL:    "https://push.example.com",
		Payload: models.Payload{
			Title: "Sale",
			Body:  "50% off",
			URL:   "https://shop.example.com",
			Data:  map[string]any{"sku": "42"},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"title": "Sale",
		"body": "50% off",
		"tag": "ntf_1",
		"data": {
			"sku": "42",
			"url": "https://shop.example.com",
			"notificationId": "ntf_1",
			"apiUrl": "https://push.example.com"
		}
	}`, string(body))
}

func TestValidTopic(t *testing.T) {
	assert.True(t, validTopic("promo_1-a"))
	assert.False(t, validTopic(""))
	assert.False(t, validTopic("has space"))
	assert.False(t, validTopic("0123456789012345678901234567890123"))
}
