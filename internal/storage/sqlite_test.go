package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/pushrelay/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	now := time.Now().UTC()
	require.NoError(t, s.CreateApplication(context.Background(), &models.Application{
		ID: "app_1", Name: "one", APIKey: "pk_1", APISecret: "sk_1",
		WebPushEnabled: true, AndroidEnabled: true, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.CreateApplication(context.Background(), &models.Application{
		ID: "app_2", Name: "two", APIKey: "pk_2", APISecret: "sk_2", CreatedAt: now, UpdatedAt: now,
	}))
	return s
}

func addDevice(t *testing.T, s *SQLiteStorage, d models.Device) *models.Device {
	t.Helper()
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = models.NewID("dev")
	}
	if d.AppID == "" {
		d.AppID = "app_1"
	}
	if d.Platform == "" {
		d.Platform = models.PlatformAndroid
	}
	d.CreatedAt, d.UpdatedAt = now, now
	require.NoError(t, s.UpsertDevice(context.Background(), &d))
	return &d
}

func ids(ds []models.Device) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestApplicationLookupByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app, err := s.GetApplicationByAPIKey(ctx, "pk_2")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "app_2", app.ID)

	missing, err := s.GetApplicationByAPIKey(ctx, "pk_nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateApplicationAPIKey(ctx, "app_2", "pk_new"))
	old, err := s.GetApplicationByAPIKey(ctx, "pk_2")
	require.NoError(t, err)
	assert.Nil(t, old)

	assert.ErrorIs(t, s.UpdateApplicationAPIKey(ctx, "app_missing", "pk_x"), ErrNotFound)
}

func TestUpsertDeviceKeepsIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := addDevice(t, s, models.Device{Token: "tok", UserID: "u1", Tags: []string{"a"}})
	n, err := s.DeactivateDevices(ctx, []string{first.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	again := addDevice(t, s, models.Device{Token: "tok", AppVersion: "2.0"})
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "u1", again.UserID)
	assert.Equal(t, []string{"a"}, again.Tags)

	got, err := s.GetDevice(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Active, "re-registering reactivates the device")
	assert.Equal(t, "2.0", got.AppVersion)

	// same token under another tenant is a separate device
	other := addDevice(t, s, models.Device{AppID: "app_2", Token: "tok"})
	assert.NotEqual(t, first.ID, other.ID)
}

func TestResolveDevicesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	web := addDevice(t, s, models.Device{Platform: models.PlatformWeb, Token: "https://push/1",
		Endpoint: "https://push/1", P256dh: "k", Auth: "a", Tags: []string{"news"}})
	android := addDevice(t, s, models.Device{Token: "a1", UserID: "u1", Tags: []string{"sports", "news"}})
	ios := addDevice(t, s, models.Device{Platform: models.PlatformIOS, Token: "i1", UserID: "u1"})
	gone := addDevice(t, s, models.Device{Token: "a2", Tags: []string{"news"}})
	addDevice(t, s, models.Device{AppID: "app_2", Token: "a3", Tags: []string{"news"}})

	_, err := s.DeactivateDevices(ctx, []string{gone.ID})
	require.NoError(t, err)

	all, err := s.ResolveDevices(ctx, "app_1", models.Targeting{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{web.ID, android.ID, ios.ID}, ids(all))

	tagged, err := s.ResolveDevices(ctx, "app_1", models.Targeting{Tags: []string{"news", "weather"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{web.ID, android.ID}, ids(tagged))

	users, err := s.ResolveDevices(ctx, "app_1", models.Targeting{UserIDs: []string{"u1"}, Platform: models.PlatformIOS})
	require.NoError(t, err)
	assert.Equal(t, []string{ios.ID}, ids(users))

	direct, err := s.ResolveDevices(ctx, "app_1", models.Targeting{DeviceIDs: []string{android.ID, gone.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{android.ID}, ids(direct))
}

func TestDeviceTagsAndUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := addDevice(t, s, models.Device{Token: "t", Tags: []string{"a"}})

	tags, err := s.AddDeviceTags(ctx, d.ID, []string{"b", "a", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)

	tags, err = s.RemoveDeviceTags(ctx, d.ID, []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, tags)

	_, err = s.AddDeviceTags(ctx, "dev_missing", []string{"x"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetDeviceUser(ctx, d.ID, "u9"))
	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "u9", got.UserID)
	assert.ErrorIs(t, s.SetDeviceUser(ctx, "dev_missing", "u"), ErrNotFound)
}

func TestUpdateDevicePartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := addDevice(t, s, models.Device{Token: "t", UserID: "u1", Language: "en", Tags: []string{"a"}})

	tz := "Europe/Berlin"
	unlink := ""
	got, err := s.UpdateDevice(ctx, d.ID, models.DeviceUpdate{Timezone: &tz, UserID: &unlink})
	require.NoError(t, err)
	assert.Equal(t, tz, got.Timezone)
	assert.Empty(t, got.UserID)
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, []string{"a"}, got.Tags)

	got, err = s.UpdateDevice(ctx, d.ID, models.DeviceUpdate{Tags: []string{}})
	require.NoError(t, err)
	assert.Empty(t, got.Tags)

	_, err = s.UpdateDevice(ctx, "dev_missing", models.DeviceUpdate{Timezone: &tz})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDeviceIsTenantScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := addDevice(t, s, models.Device{Token: "t"})

	ok, err := s.DeleteDevice(ctx, "app_2", d.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteDevice(ctx, "app_1", d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	addDevice(t, s, models.Device{Token: "t2"})
	ok, err = s.DeleteDeviceByToken(ctx, "app_1", "t2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteDeviceByToken(ctx, "app_1", "t2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSegmentsAreUniquePerApp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seg := &models.Segment{ID: "seg_1", AppID: "app_1", Name: "vip",
		Filters: models.Targeting{Tags: []string{"vip"}}, CreatedAt: now}
	require.NoError(t, s.CreateSegment(ctx, seg))
	assert.Error(t, s.CreateSegment(ctx, &models.Segment{ID: "seg_2", AppID: "app_1", Name: "vip", CreatedAt: now}))
	require.NoError(t, s.CreateSegment(ctx, &models.Segment{ID: "seg_3", AppID: "app_2", Name: "vip", CreatedAt: now}))

	got, err := s.GetSegmentByName(ctx, "app_1", "vip")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"vip"}, got.Filters.Tags)

	missing, err := s.GetSegmentByName(ctx, "app_1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func scheduled(t *testing.T, s *SQLiteStorage, id string, at time.Time) {
	t.Helper()
	require.NoError(t, s.CreateNotification(context.Background(), &models.Notification{
		ID: id, AppID: "app_1", Payload: models.Payload{Title: "t", Body: "b"},
		Status: models.NotificationScheduled, ScheduledAt: &at, CreatedAt: time.Now().UTC(),
	}))
}

func TestScheduledLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	scheduled(t, s, "ntf_past", now.Add(-time.Minute))
	scheduled(t, s, "ntf_future", now.Add(time.Hour))
	scheduled(t, s, "ntf_cancel", now.Add(-time.Second))

	ok, err := s.CancelScheduledNotification(ctx, "app_2", "ntf_cancel")
	require.NoError(t, err)
	assert.False(t, ok, "other tenants cannot cancel")
	ok, err = s.CancelScheduledNotification(ctx, "app_1", "ntf_cancel")
	require.NoError(t, err)
	assert.True(t, ok)

	due, err := s.DueNotifications(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "ntf_past", due[0].ID)

	ok, err = s.ClaimScheduledNotification(ctx, "ntf_past")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimScheduledNotification(ctx, "ntf_past")
	require.NoError(t, err)
	assert.False(t, ok, "a notification is claimed once")

	ok, err = s.CancelScheduledNotification(ctx, "app_1", "ntf_past")
	require.NoError(t, err)
	assert.False(t, ok, "sending notifications cannot be cancelled")

	require.NoError(t, s.CompleteNotification(ctx, "ntf_past", 3, 1, now))
	got, err := s.GetNotification(ctx, "ntf_past")
	require.NoError(t, err)
	assert.Equal(t, models.NotificationCompleted, got.Status)
	assert.Equal(t, 3, got.TotalSent)
	assert.Equal(t, 1, got.TotalFailed)

	assert.ErrorIs(t, s.FailNotification(ctx, "ntf_missing"), ErrNotFound)
}

func TestAdvanceDeliveryOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	scheduled(t, s, "ntf_1", now)
	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{
		{ID: "dlv_1", NotificationID: "ntf_1", DeviceID: "dev_1", Status: models.DeliverySent, SentAt: &now, CreatedAt: now},
	}))

	moved, err := s.AdvanceDelivery(ctx, "ntf_1", "dev_1", models.DeliveryClicked, now)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.AdvanceDelivery(ctx, "ntf_1", "dev_1", models.DeliveryDelivered, now)
	require.NoError(t, err)
	assert.False(t, moved, "delivered after clicked is ignored")

	moved, err = s.AdvanceDelivery(ctx, "ntf_1", "dev_1", models.DeliveryClicked, now)
	require.NoError(t, err)
	assert.False(t, moved)

	n, err := s.GetNotification(ctx, "ntf_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n.TotalClicked)
	assert.Equal(t, 0, n.TotalDelivered)

	_, err = s.AdvanceDelivery(ctx, "ntf_missing", "dev_1", models.DeliveryDelivered, now)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AdvanceDelivery(ctx, "ntf_1", "dev_1", models.DeliverySent, now)
	assert.Error(t, err)
}

func TestCreateDeliveriesIgnoresDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	scheduled(t, s, "ntf_1", now)

	row := models.Delivery{ID: "dlv_1", NotificationID: "ntf_1", DeviceID: "dev_1", Status: models.DeliverySent, CreatedAt: now}
	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{row}))
	row.ID = "dlv_2"
	row.Status = models.DeliveryFailed
	require.NoError(t, s.CreateDeliveries(ctx, []models.Delivery{row}))

	ds, err := s.ListDeliveries(ctx, "ntf_1")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, models.DeliverySent, ds[0].Status)
}

func TestAdvanceDeliveryCreatesRowOnlyForOwnDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	scheduled(t, s, "ntf_1", now)

	own := addDevice(t, s, models.Device{Token: "own"})
	foreign := addDevice(t, s, models.Device{AppID: "app_2", Token: "foreign"})

	moved, err := s.AdvanceDelivery(ctx, "ntf_1", own.ID, models.DeliveryDelivered, now)
	require.NoError(t, err)
	assert.True(t, moved, "ack ahead of the delivery row is kept")

	for _, id := range []string{foreign.ID, "dev_forged"} {
		moved, err = s.AdvanceDelivery(ctx, "ntf_1", id, models.DeliveryClicked, now)
		require.NoError(t, err)
		assert.False(t, moved, id)
	}

	n, err := s.GetNotification(ctx, "ntf_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n.TotalDelivered)
	assert.Equal(t, 0, n.TotalClicked)

	ds, err := s.ListDeliveries(ctx, "ntf_1")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, own.ID, ds[0].DeviceID)
}
