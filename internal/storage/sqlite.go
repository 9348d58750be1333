package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/pushrelay/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			api_secret TEXT NOT NULL,
			vapid_public_key TEXT NOT NULL DEFAULT '',
			vapid_private_key TEXT NOT NULL DEFAULT '',
			vapid_subject TEXT NOT NULL DEFAULT '',
			apns_key_id TEXT NOT NULL DEFAULT '',
			apns_team_id TEXT NOT NULL DEFAULT '',
			apns_bundle_id TEXT NOT NULL DEFAULT '',
			apns_private_key TEXT NOT NULL DEFAULT '',
			apns_production INTEGER NOT NULL DEFAULT 0,
			web_push_enabled INTEGER NOT NULL DEFAULT 1,
			apns_enabled INTEGER NOT NULL DEFAULT 0,
			android_enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
			platform TEXT NOT NULL,
			token TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			p256dh TEXT NOT NULL DEFAULT '',
			auth TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			language TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			device_model TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			app_version TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_active_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(app_id, token)
		)`,
		`CREATE TABLE IF NOT EXISTS segments (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			filters TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(app_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
			payload TEXT NOT NULL,
			targeting TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			total_sent INTEGER NOT NULL DEFAULT 0,
			total_delivered INTEGER NOT NULL DEFAULT 0,
			total_clicked INTEGER NOT NULL DEFAULT 0,
			total_failed INTEGER NOT NULL DEFAULT 0,
			scheduled_at DATETIME,
			sent_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT NOT NULL DEFAULT '',
			sent_at DATETIME,
			delivered_at DATETIME,
			clicked_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(notification_id, device_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_api_key ON applications(api_key)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_app_active ON devices(app_id, is_active, platform)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(app_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_app ON notifications(app_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_scheduled ON notifications(status, scheduled_at) WHERE status = 'scheduled'`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_device ON deliveries(device_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- Applications ---

const appColumns = `id, name, api_key, api_secret, vapid_public_key, vapid_private_key, vapid_subject,
	apns_key_id, apns_team_id, apns_bundle_id, apns_private_key, apns_production,
	web_push_enabled, apns_enabled, android_enabled, created_at, updated_at`

func (s *SQLiteStorage) CreateApplication(ctx context.Context, app *models.Application) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO applications (`+appColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.Name, app.APIKey, app.APISecret, app.VAPIDPublicKey, app.VAPIDPrivateKey, app.VAPIDSubject,
		app.APNsKeyID, app.APNsTeamID, app.APNsBundleID, app.APNsPrivateKey, app.APNsProduction,
		app.WebPushEnabled, app.APNsEnabled, app.AndroidEnabled, app.CreatedAt, app.UpdatedAt,
	)
	return err
}

func scanApplication(row scanner) (*models.Application, error) {
	var app models.Application
	err := row.Scan(&app.ID, &app.Name, &app.APIKey, &app.APISecret,
		&app.VAPIDPublicKey, &app.VAPIDPrivateKey, &app.VAPIDSubject,
		&app.APNsKeyID, &app.APNsTeamID, &app.APNsBundleID, &app.APNsPrivateKey, &app.APNsProduction,
		&app.WebPushEnabled, &app.APNsEnabled, &app.AndroidEnabled, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *SQLiteStorage) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	app, err := scanApplication(s.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return app, err
}

func (s *SQLiteStorage) GetApplicationByAPIKey(ctx context.Context, apiKey string) (*models.Application, error) {
	app, err := scanApplication(s.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE api_key = ?`, apiKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return app, err
}

func (s *SQLiteStorage) ListApplications(ctx context.Context) ([]models.Application, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appColumns+` FROM applications ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// UpdateApplication writes the tenant's mutable settings: name, transport
// credentials and platform switches. Keys are rotated separately.
func (s *SQLiteStorage) UpdateApplication(ctx context.Context, app *models.Application) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE applications SET name = ?, vapid_subject = ?,
			apns_key_id = ?, apns_team_id = ?, apns_bundle_id = ?, apns_private_key = ?, apns_production = ?,
			web_push_enabled = ?, apns_enabled = ?, android_enabled = ?, updated_at = ?
		 WHERE id = ?`,
		app.Name, app.VAPIDSubject,
		app.APNsKeyID, app.APNsTeamID, app.APNsBundleID, app.APNsPrivateKey, app.APNsProduction,
		app.WebPushEnabled, app.APNsEnabled, app.AndroidEnabled, time.Now().UTC(), app.ID,
	)
	return affectedOrNotFound(res, err)
}

func (s *SQLiteStorage) UpdateApplicationAPIKey(ctx context.Context, id, newKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE applications SET api_key = ?, updated_at = ? WHERE id = ?`,
		newKey, time.Now().UTC(), id,
	)
	return affectedOrNotFound(res, err)
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Devices ---

const deviceColumns = `id, app_id, platform, token, endpoint, p256dh, auth, user_id, tags,
	language, timezone, device_model, os_version, app_version, is_active, last_active_at, created_at, updated_at`

// UpsertDevice registers d, or refreshes the existing device with the same
// (app_id, token). A refreshed device is re-activated and keeps its id,
// user and tags unless new ones are supplied. d.ID and d.CreatedAt are set
// from the stored row.
func (s *SQLiteStorage) UpsertDevice(ctx context.Context, d *models.Device) error {
	if d.Tags == nil {
		d.Tags = []string{}
	}
	tags, err := json.Marshal(d.Tags)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT(app_id, token) DO UPDATE SET
			platform = excluded.platform,
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			user_id = CASE WHEN excluded.user_id = '' THEN devices.user_id ELSE excluded.user_id END,
			tags = CASE WHEN excluded.tags = '[]' THEN devices.tags ELSE excluded.tags END,
			language = excluded.language,
			timezone = excluded.timezone,
			device_model = excluded.device_model,
			os_version = excluded.os_version,
			app_version = excluded.app_version,
			is_active = 1,
			last_active_at = excluded.last_active_at,
			updated_at = excluded.updated_at
		 RETURNING id, user_id, tags, created_at`,
		d.ID, d.AppID, string(d.Platform), d.Token, d.Endpoint, d.P256dh, d.Auth, d.UserID, string(tags),
		d.Language, d.Timezone, d.DeviceModel, d.OSVersion, d.AppVersion, d.LastActiveAt, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID, &d.UserID, &tags, &d.CreatedAt)
	if err != nil {
		return err
	}
	d.Active = true
	return json.Unmarshal(tags, &d.Tags)
}

func scanDevice(row scanner) (*models.Device, error) {
	var d models.Device
	var platform, tags string
	err := row.Scan(&d.ID, &d.AppID, &platform, &d.Token, &d.Endpoint, &d.P256dh, &d.Auth, &d.UserID, &tags,
		&d.Language, &d.Timezone, &d.DeviceModel, &d.OSVersion, &d.AppVersion, &d.Active, &d.LastActiveAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Platform = models.Platform(platform)
	if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for device %s: %w", d.ID, err)
	}
	return &d, nil
}

func (s *SQLiteStorage) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// UpdateDevice applies the non-nil fields of u and returns the stored device.
func (s *SQLiteStorage) UpdateDevice(ctx context.Context, id string, u models.DeviceUpdate) (*models.Device, error) {
	var sets []string
	var args []any
	set := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	set("user_id", u.UserID)
	set("language", u.Language)
	set("timezone", u.Timezone)
	set("device_model", u.DeviceModel)
	set("os_version", u.OSVersion)
	set("app_version", u.AppVersion)
	if u.Tags != nil {
		tags, err := json.Marshal(u.Tags)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tags))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx, `UPDATE devices SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err := affectedOrNotFound(res, err); err != nil {
		return nil, err
	}
	return s.GetDevice(ctx, id)
}

func (s *SQLiteStorage) DeleteDevice(ctx context.Context, appID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE app_id = ? AND id = ?`, appID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) DeleteDeviceByToken(ctx context.Context, appID, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE app_id = ? AND token = ?`, appID, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) AddDeviceTags(ctx context.Context, id string, tags []string) ([]string, error) {
	return s.updateTags(ctx, id, func(current []string) []string {
		seen := make(map[string]bool, len(current))
		for _, t := range current {
			seen[t] = true
		}
		for _, t := range tags {
			if t != "" && !seen[t] {
				current = append(current, t)
				seen[t] = true
			}
		}
		return current
	})
}

func (s *SQLiteStorage) RemoveDeviceTags(ctx context.Context, id string, tags []string) ([]string, error) {
	return s.updateTags(ctx, id, func(current []string) []string {
		drop := make(map[string]bool, len(tags))
		for _, t := range tags {
			drop[t] = true
		}
		kept := current[:0]
		for _, t := range current {
			if !drop[t] {
				kept = append(kept, t)
			}
		}
		return kept
	})
}

func (s *SQLiteStorage) updateTags(ctx context.Context, id string, fn func([]string) []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT tags FROM devices WHERE id = ?`, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var current []string
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return nil, fmt.Errorf("decode tags for device %s: %w", id, err)
	}
	updated := fn(current)
	if updated == nil {
		updated = []string{}
	}
	encoded, err := json.Marshal(updated)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE devices SET tags = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC(), id); err != nil {
		return nil, err
	}
	return updated, tx.Commit()
}

func (s *SQLiteStorage) SetDeviceUser(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET user_id = ?, updated_at = ? WHERE id = ?`,
		userID, time.Now().UTC(), id)
	return affectedOrNotFound(res, err)
}

func (s *SQLiteStorage) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_active_at = ? WHERE id = ?`, at, id)
	return err
}

// ResolveDevices returns the active devices of appID that match t. Tags
// match when the device's tag array contains any of the requested tags.
// Segment is not interpreted here.
func (s *SQLiteStorage) ResolveDevices(ctx context.Context, appID string, t models.Targeting) ([]models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE app_id = ? AND is_active = 1`
	args := []any{appID}

	if t.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(t.Platform))
	}
	if len(t.UserIDs) > 0 {
		query += ` AND user_id IN (` + placeholders(len(t.UserIDs)) + `)`
		for _, id := range t.UserIDs {
			args = append(args, id)
		}
	}
	if len(t.DeviceIDs) > 0 {
		query += ` AND id IN (` + placeholders(len(t.DeviceIDs)) + `)`
		for _, id := range t.DeviceIDs {
			args = append(args, id)
		}
	}
	if len(t.Tags) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM json_each(devices.tags) WHERE json_each.value IN (` + placeholders(len(t.Tags)) + `))`
		for _, tag := range t.Tags {
			args = append(args, tag)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStorage) DeactivateDevices(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{time.Now().UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET is_active = 0, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Segments ---

func (s *SQLiteStorage) CreateSegment(ctx context.Context, seg *models.Segment) error {
	filters, err := json.Marshal(seg.Filters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO segments (id, app_id, name, filters, created_at) VALUES (?, ?, ?, ?, ?)`,
		seg.ID, seg.AppID, seg.Name, string(filters), seg.CreatedAt,
	)
	return err
}

func scanSegment(row scanner) (*models.Segment, error) {
	var seg models.Segment
	var filters string
	if err := row.Scan(&seg.ID, &seg.AppID, &seg.Name, &filters, &seg.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filters), &seg.Filters); err != nil {
		return nil, fmt.Errorf("decode filters for segment %s: %w", seg.ID, err)
	}
	return &seg, nil
}

func (s *SQLiteStorage) GetSegmentByName(ctx context.Context, appID, name string) (*models.Segment, error) {
	seg, err := scanSegment(s.db.QueryRowContext(ctx,
		`SELECT id, app_id, name, filters, created_at FROM segments WHERE app_id = ? AND name = ?`, appID, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return seg, err
}

func (s *SQLiteStorage) ListSegments(ctx context.Context, appID string) ([]models.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, name, filters, created_at FROM segments WHERE app_id = ? ORDER BY name`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []models.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, *seg)
	}
	return segs, rows.Err()
}

// --- Notifications ---

const notificationColumns = `id, app_id, payload, targeting, status, total_sent, total_delivered,
	total_clicked, total_failed, scheduled_at, sent_at, created_at`

func (s *SQLiteStorage) CreateNotification(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	targeting, err := json.Marshal(n.Targeting)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AppID, string(payload), string(targeting), string(n.Status),
		n.TotalSent, n.TotalDelivered, n.TotalClicked, n.TotalFailed, n.ScheduledAt, n.SentAt, n.CreatedAt,
	)
	return err
}

func scanNotification(row scanner) (*models.Notification, error) {
	var n models.Notification
	var payload, targeting, status string
	err := row.Scan(&n.ID, &n.AppID, &payload, &targeting, &status, &n.TotalSent, &n.TotalDelivered,
		&n.TotalClicked, &n.TotalFailed, &n.ScheduledAt, &n.SentAt, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.Status = models.NotificationStatus(status)
	if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for notification %s: %w", n.ID, err)
	}
	if err := json.Unmarshal([]byte(targeting), &n.Targeting); err != nil {
		return nil, fmt.Errorf("decode targeting for notification %s: %w", n.ID, err)
	}
	return &n, nil
}

func (s *SQLiteStorage) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func (s *SQLiteStorage) queryNotifications(ctx context.Context, query string, args ...any) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListNotifications(ctx context.Context, appID string, limit, offset int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE app_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		appID, limit, offset)
}

// DueNotifications lists scheduled notifications whose time has come.
func (s *SQLiteStorage) DueNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE status = 'scheduled' AND scheduled_at <= ?
		 ORDER BY scheduled_at LIMIT ?`,
		now.UTC(), limit)
}

// ClaimScheduledNotification moves a scheduled notification to sending. It
// reports false when another caller already claimed or cancelled it.
func (s *SQLiteStorage) ClaimScheduledNotification(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = 'sending' WHERE id = ? AND status = 'scheduled'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStorage) CancelScheduledNotification(ctx context.Context, appID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = 'cancelled' WHERE id = ? AND app_id = ? AND status = 'scheduled'`, id, appID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStorage) CompleteNotification(ctx context.Context, id string, sent, failed int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = 'completed', total_sent = ?, total_failed = ?, sent_at = ? WHERE id = ?`,
		sent, failed, at, id)
	return affectedOrNotFound(res, err)
}

func (s *SQLiteStorage) FailNotification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET status = 'failed' WHERE id = ?`, id)
	return affectedOrNotFound(res, err)
}

// --- Deliveries ---

const deliveryColumns = `id, notification_id, device_id, status, error_message, sent_at, delivered_at, clicked_at, created_at`

func (s *SQLiteStorage) CreateDeliveries(ctx context.Context, ds []models.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(notification_id, device_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range ds {
		if _, err := stmt.ExecContext(ctx, d.ID, d.NotificationID, d.DeviceID, string(d.Status), d.ErrorMessage,
			d.SentAt, d.DeliveredAt, d.ClickedAt, d.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) ListDeliveries(ctx context.Context, notificationID string) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE notification_id = ? ORDER BY created_at, id`, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		var d models.Delivery
		var status string
		if err := rows.Scan(&d.ID, &d.NotificationID, &d.DeviceID, &status, &d.ErrorMessage,
			&d.SentAt, &d.DeliveredAt, &d.ClickedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Status = models.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AdvanceDelivery moves the (notification, device) delivery to status to
// when that is a forward transition. A missing row is created only when the
// device belongs to the notification's application, so acknowledgements that
// race ahead of CreateDeliveries still land while unknown device ids are
// ignored. The notification's matching counter is incremented in the same
// transaction, only when a row actually moved. It reports whether a
// transition happened and returns ErrNotFound for an unknown notification.
func (s *SQLiteStorage) AdvanceDelivery(ctx context.Context, notificationID, deviceID string, to models.DeliveryStatus, at time.Time) (bool, error) {
	var counter string
	var deliveredAt, clickedAt *time.Time
	switch to {
	case models.DeliveryDelivered:
		counter = "total_delivered"
		deliveredAt = &at
	case models.DeliveryClicked:
		counter = "total_clicked"
		clickedAt = &at
	default:
		return false, fmt.Errorf("cannot advance delivery to %q", to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE id = ?`, notificationID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}

	from := to.AdvancesFrom()
	args := []any{string(to), deliveredAt, clickedAt, notificationID, deviceID}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE deliveries SET
			status = ?,
			delivered_at = COALESCE(delivered_at, ?),
			clicked_at = COALESCE(clicked_at, ?)
		 WHERE notification_id = ? AND device_id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if n == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO deliveries (id, notification_id, device_id, status, delivered_at, clicked_at, created_at)
			 SELECT ?, n.id, d.id, ?, ?, ?, ?
			 FROM notifications n JOIN devices d ON d.app_id = n.app_id
			 WHERE n.id = ? AND d.id = ?
			   AND NOT EXISTS (SELECT 1 FROM deliveries WHERE notification_id = n.id AND device_id = d.id)`,
			models.NewID("dlv"), string(to), deliveredAt, clickedAt, at, notificationID, deviceID)
		if err != nil {
			return false, err
		}
		if n, err = res.RowsAffected(); err != nil {
			return false, err
		}
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET `+counter+` = `+counter+` + 1 WHERE id = ?`, notificationID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
