package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/dispatch"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/realtime"
	"github.com/shohag/pushrelay/internal/storage"
	"github.com/shohag/pushrelay/internal/tracking"
	"github.com/shohag/pushrelay/internal/transport"
)

type testEnv struct {
	srv   *httptest.Server
	store *storage.SQLiteStorage
	hub   *realtime.Hub
	app   *models.Application
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	app, err := BuildApplication(CreateApplicationRequest{Name: "test"}, AppDefaults{VAPIDSubject: "mailto:ops@example.com"})
	require.NoError(t, err)
	require.NoError(t, store.CreateApplication(context.Background(), app))

	log := zerolog.Nop()
	cfg := &config.Config{
		Realtime: config.RealtimeConfig{Path: "/ws"},
	}
	tracker := tracking.New(store, nil, log)
	hub := realtime.NewHub(cfg.Realtime, transport.NewFanout(4, time.Second, 0), tracker, NewDeviceVerifier(store), log)
	orch := dispatch.New(store, []transport.Transport{hub}, nil, "https://push.example.com", log)

	s := NewServer(cfg, Deps{
		Store:      store,
		Dispatcher: orch,
		Tracker:    tracker,
		Hub:        hub,
		Version:    "test",
	}, log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, hub: hub, app: app}
}

type reqOpt func(*http.Request)

func withKey(key string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+key) }
}

func withSecret(secret string) reqOpt {
	return func(r *http.Request) { r.Header.Set("X-API-Secret", secret) }
}

func (e *testEnv) do(t *testing.T, method, path string, body any, opts ...reqOpt) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

// tenant sends with the full credentials of the test application.
func (e *testEnv) tenant() []reqOpt {
	return []reqOpt{withKey(e.app.APIKey), withSecret(e.app.APISecret)}
}

func (e *testEnv) registerAndroid(t *testing.T, token string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/v1/devices/register", map[string]any{
		"platform": "android",
		"token":    token,
		"user_id":  "user-1",
		"tags":     []string{"news"},
	}, withKey(e.app.APIKey))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string)
}

func notifyBody() map[string]any {
	return map[string]any{"payload": map[string]any{"title": "Hello", "body": "World"}}
}

func TestHealth(t *testing.T) {
	e := setupServer(t)
	resp, body := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "pushrelay", body["service"])
	assert.Contains(t, body, "realtime")
}

func TestCreateApplicationReturnsCredentialsOnce(t *testing.T) {
	e := setupServer(t)

	resp, body := e.do(t, http.MethodPost, "/api/v1/applications", map[string]any{"name": "shop"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["api_key"])
	assert.NotEmpty(t, body["api_secret"])
	assert.NotEmpty(t, body["vapid_public_key"])
	assert.NotContains(t, body, "vapid_private_key")

	resp, got := e.do(t, http.MethodGet, "/api/v1/applications/"+body["id"].(string), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, got, "api_secret")
	assert.NotContains(t, got, "api_key")

	resp, _ = e.do(t, http.MethodPost, "/api/v1/applications", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRotateKeyInvalidatesOldKey(t *testing.T) {
	e := setupServer(t)

	resp, body := e.do(t, http.MethodPost, "/api/v1/applications/"+e.app.ID+"/rotate-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	newKey := body["api_key"].(string)
	assert.NotEqual(t, e.app.APIKey, newKey)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/notifications", nil, withKey(e.app.APIKey), withSecret(e.app.APISecret))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/notifications", nil, withKey(newKey), withSecret(e.app.APISecret))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	e := setupServer(t)
	reg := map[string]any{"platform": "android", "token": "t"}

	resp, _ := e.do(t, http.MethodPost, "/api/v1/devices/register", reg)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/devices/register", reg, func(r *http.Request) {
		r.Header.Set("Authorization", e.app.APIKey)
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing Bearer prefix")

	resp, _ = e.do(t, http.MethodPost, "/api/v1/devices/register", reg, withKey("pk_wrong"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/devices/register", reg, func(r *http.Request) {
		r.Header.Set("X-API-Key", e.app.APIKey)
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// the api key alone cannot send
	resp, _ = e.do(t, http.MethodPost, "/api/v1/notifications/send", notifyBody(), withKey(e.app.APIKey))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/notifications/send", notifyBody(), withKey(e.app.APIKey), withSecret("sk_wrong"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterDeviceIsIdempotent(t *testing.T) {
	e := setupServer(t)
	first := e.registerAndroid(t, "tok-1")
	second := e.registerAndroid(t, "tok-1")
	assert.Equal(t, first, second)

	resp, body := e.do(t, http.MethodPost, "/api/v1/devices/register", map[string]any{
		"platform": "web",
		"subscription": map[string]any{
			"endpoint": "https://fcm.googleapis.com/fcm/send/abc",
			"keys":     map[string]string{"p256dh": "key", "auth": "secret"},
		},
	}, withKey(e.app.APIKey))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "https://fcm.googleapis.com/fcm/send/abc", body["endpoint"])

	resp, _ = e.do(t, http.MethodPost, "/api/v1/devices/register", map[string]any{"platform": "web"}, withKey(e.app.APIKey))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/devices/register", map[string]any{"platform": "fax", "token": "x"}, withKey(e.app.APIKey))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeviceManagement(t *testing.T) {
	e := setupServer(t)
	id := e.registerAndroid(t, "tok-1")
	key := withKey(e.app.APIKey)

	resp, body := e.do(t, http.MethodPost, "/api/v1/devices/"+id+"/tags", map[string]any{"tags": []string{"vip"}}, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []any{"news", "vip"}, body["tags"])

	resp, body = e.do(t, http.MethodDelete, "/api/v1/devices/"+id+"/tags", map[string]any{"tags": []string{"news"}}, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"vip"}, body["tags"])

	resp, _ = e.do(t, http.MethodPost, "/api/v1/devices/"+id+"/user", map[string]any{"user_id": "user-2"}, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d, err := e.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "user-2", d.UserID)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/devices/dev_missing/tags", map[string]any{"tags": []string{"x"}}, key)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodDelete, "/api/v1/devices/unregister", map[string]any{"token": "tok-1"}, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["deleted"])

	resp, body = e.do(t, http.MethodDelete, "/api/v1/devices/unregister", map[string]any{"token": "tok-1"}, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["deleted"])
}

func TestUpdateDeviceMetadata(t *testing.T) {
	e := setupServer(t)
	id := e.registerAndroid(t, "tok-1")
	key := withKey(e.app.APIKey)

	resp, body := e.do(t, http.MethodPut, "/api/v1/devices/"+id, map[string]any{
		"language":    "de",
		"app_version": "3.1.0",
		"tags":        []string{"beta"},
	}, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "de", body["language"])
	assert.Equal(t, "3.1.0", body["app_version"])
	assert.Equal(t, []any{"beta"}, body["tags"])
	assert.Equal(t, "user-1", body["user_id"], "untouched fields are kept")

	resp, _ = e.do(t, http.MethodPut, "/api/v1/devices/"+id, map[string]any{}, key)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPut, "/api/v1/devices/dev_missing", map[string]any{"language": "fr"}, key)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevicesAreTenantScoped(t *testing.T) {
	e := setupServer(t)
	id := e.registerAndroid(t, "tok-1")

	other, err := BuildApplication(CreateApplicationRequest{Name: "other"}, AppDefaults{})
	require.NoError(t, err)
	require.NoError(t, e.store.CreateApplication(context.Background(), other))

	resp, _ := e.do(t, http.MethodDelete, "/api/v1/devices/"+id, nil, withKey(other.APIKey))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/devices/"+id+"/poll", nil, withKey(other.APIKey))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/notifications/send-to-device/"+id, notifyBody(),
		withKey(other.APIKey), withSecret(other.APISecret))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/devices/"+id, nil, withKey(e.app.APIKey))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSendQueuesForOfflineDeviceAndPollDrains(t *testing.T) {
	e := setupServer(t)
	id := e.registerAndroid(t, "tok-1")

	resp, body := e.do(t, http.MethodPost, "/api/v1/notifications/send", notifyBody(), e.tenant()...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.NotificationCompleted), body["status"])
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["total"])
	assert.EqualValues(t, 1, stats["sent"])
	assert.EqualValues(t, 1, stats["queued"])

	resp, polled := e.do(t, http.MethodGet, "/api/v1/devices/"+id+"/poll", nil, withKey(e.app.APIKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := polled["notifications"].([]any)
	require.Len(t, frames, 1)
	frame := frames[0].(map[string]any)
	assert.Equal(t, "Hello", frame["title"])
	assert.Equal(t, body["notification_id"], frame["id"])

	// polling hands over once
	_, polled = e.do(t, http.MethodGet, "/api/v1/devices/"+id+"/poll", nil, withKey(e.app.APIKey))
	assert.Empty(t, polled["notifications"])
}

func TestSendErrorsMapToStatus(t *testing.T) {
	e := setupServer(t)

	resp, _ := e.do(t, http.MethodPost, "/api/v1/notifications/send",
		map[string]any{"payload": map[string]any{"title": "no body"}}, e.tenant()...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/notifications/send", map[string]any{
		"payload":   map[string]any{"title": "t", "body": "b"},
		"targeting": map[string]any{"segment": "nobody"},
	}, e.tenant()...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/notifications/send-to-device/dev_missing", notifyBody(), e.tenant()...)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/v1/notifications/send-to-user/nobody", notifyBody(), e.tenant()...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["stats"].(map[string]any)["total"])
}

func TestSegmentTargeting(t *testing.T) {
	e := setupServer(t)
	e.registerAndroid(t, "tok-1")

	resp, _ := e.do(t, http.MethodPost, "/api/v1/segments", map[string]any{
		"name": "readers", "filters": map[string]any{"tags": []string{"news"}},
	}, e.tenant()...)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/segments", map[string]any{"name": "readers"}, e.tenant()...)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/v1/notifications/send", map[string]any{
		"payload":   map[string]any{"title": "t", "body": "b"},
		"targeting": map[string]any{"segment": "readers"},
	}, e.tenant()...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["stats"].(map[string]any)["total"])
}

func TestCallbacksAreIdempotent(t *testing.T) {
	e := setupServer(t)
	id := e.registerAndroid(t, "tok-1")
	_, body := e.do(t, http.MethodPost, "/api/v1/notifications/send", notifyBody(), e.tenant()...)
	nid := body["notification_id"].(string)

	for i := 0; i < 2; i++ {
		resp, out := e.do(t, http.MethodPost, "/api/v1/notifications/"+nid+"/delivered", map[string]any{"deviceId": id})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, out["success"])
	}
	resp, _ := e.do(t, http.MethodPost, "/api/v1/notifications/"+nid+"/click", map[string]any{"deviceId": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, n := e.do(t, http.MethodGet, "/api/v1/notifications/"+nid, nil, e.tenant()...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, n["total_delivered"])
	assert.EqualValues(t, 1, n["total_clicked"])

	resp, _ = e.do(t, http.MethodPost, "/api/v1/notifications/ntf_missing/delivered", map[string]any{"deviceId": id})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/notifications/"+nid+"/click", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleAndCancel(t *testing.T) {
	e := setupServer(t)

	body := notifyBody()
	body["scheduled_at"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp, n := e.do(t, http.MethodPost, "/api/v1/notifications/schedule", body, e.tenant()...)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, string(models.NotificationScheduled), n["status"])
	id := n["id"].(string)

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/notifications/"+id+"/cancel", nil, e.tenant()...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/api/v1/notifications/"+id+"/cancel", nil, e.tenant()...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "already cancelled")
	resp, _ = e.do(t, http.MethodDelete, "/api/v1/notifications/ntf_missing/cancel", nil, e.tenant()...)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	past := notifyBody()
	past["scheduled_at"] = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/notifications/schedule", past, e.tenant()...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListNotificationsAndDeliveries(t *testing.T) {
	e := setupServer(t)
	e.registerAndroid(t, "tok-1")
	_, body := e.do(t, http.MethodPost, "/api/v1/notifications/send", notifyBody(), e.tenant()...)
	nid := body["notification_id"].(string)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/notifications/"+nid+"/deliveries", nil)
	require.NoError(t, err)
	for _, o := range e.tenant() {
		o(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var deliveries []models.Delivery
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deliveries))
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliverySent, deliveries[0].Status)

	other, err := BuildApplication(CreateApplicationRequest{Name: "other"}, AppDefaults{})
	require.NoError(t, err)
	require.NoError(t, e.store.CreateApplication(context.Background(), other))
	r2, _ := e.do(t, http.MethodGet, "/api/v1/notifications/"+nid, nil, withKey(other.APIKey), withSecret(other.APISecret))
	assert.Equal(t, http.StatusNotFound, r2.StatusCode)
}
