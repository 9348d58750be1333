// Package dispatch turns one send request into per-platform transport
// batches and records the result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/transport"
)

var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrSegmentNotFound      = errors.New("segment not found")
	ErrInvalidRequest       = errors.New("invalid request")
)

// Directory is the device and notification store the orchestrator reads
// and writes.
type Directory interface {
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	ResolveDevices(ctx context.Context, appID string, t models.Targeting) ([]models.Device, error)
	DeactivateDevices(ctx context.Context, ids []string) (int64, error)
	GetSegmentByName(ctx context.Context, appID, name string) (*models.Segment, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	ClaimScheduledNotification(ctx context.Context, id string) (bool, error)
	CancelScheduledNotification(ctx context.Context, appID, id string) (bool, error)
	CompleteNotification(ctx context.Context, id string, sent, failed int, at time.Time) error
	FailNotification(ctx context.Context, id string) error
	CreateDeliveries(ctx context.Context, ds []models.Delivery) error
}

// Recorder observes per-platform batch results. Metrics implement it.
type Recorder interface {
	BatchCompleted(platform models.Platform, res *transport.BatchResult, elapsed time.Duration)
	BatchSkipped(platform models.Platform, devices int, reason string)
}

type Stats struct {
	Total          int `json:"total"`
	Sent           int `json:"sent"`
	Failed         int `json:"failed"`
	Queued         int `json:"queued"`
	Skipped        int `json:"skipped"`
	ExpiredDevices int `json:"expired_devices"`
}

type Result struct {
	NotificationID string                    `json:"notification_id"`
	Status         models.NotificationStatus `json:"status"`
	Stats          Stats                     `json:"stats"`
	Errors         []transport.TargetError   `json:"errors,omitempty"`
}

type Orchestrator struct {
	dir         Directory
	transports  map[models.Platform]transport.Transport
	recorder    Recorder
	callbackURL string
	log         zerolog.Logger
	now         func() time.Time
}

// New builds an orchestrator over the given transports, one per platform.
// callbackURL is the public base URL embedded in payloads for delivery and
// click reporting.
func New(dir Directory, transports []transport.Transport, recorder Recorder, callbackURL string, log zerolog.Logger) *Orchestrator {
	byPlatform := make(map[models.Platform]transport.Transport, len(transports))
	for _, t := range transports {
		byPlatform[t.Platform()] = t
	}
	return &Orchestrator{
		dir:         dir,
		transports:  byPlatform,
		recorder:    recorder,
		callbackURL: callbackURL,
		log:         log.With().Str("component", "dispatch").Logger(),
		now:         time.Now,
	}
}

// Dispatch sends payload to every active device of app matching targeting.
// The notification row exists in sending state before any transport is
// called. Transports run on a context detached from ctx so an abandoned
// request does not cut a fan-out short.
func (o *Orchestrator) Dispatch(ctx context.Context, app *models.Application, payload models.Payload, targeting models.Targeting) (*Result, error) {
	if err := o.validate(payload, targeting); err != nil {
		return nil, err
	}
	resolved, err := o.resolveTargeting(ctx, app.ID, targeting)
	if err != nil {
		return nil, err
	}

	n := &models.Notification{
		ID:        models.NewID("ntf"),
		AppID:     app.ID,
		Payload:   payload,
		Targeting: targeting,
		Status:    models.NotificationSending,
		CreatedAt: o.now().UTC(),
	}
	if err := o.dir.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return o.run(context.WithoutCancel(ctx), app, n, resolved)
}

// SendToDevice dispatches to a single device of app.
func (o *Orchestrator) SendToDevice(ctx context.Context, app *models.Application, deviceID string, payload models.Payload) (*Result, error) {
	d, err := o.dir.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if d == nil || d.AppID != app.ID {
		return nil, ErrDeviceNotFound
	}
	return o.Dispatch(ctx, app, payload, models.Targeting{DeviceIDs: []string{deviceID}})
}

// SendToUser dispatches to every active device bound to userID.
func (o *Orchestrator) SendToUser(ctx context.Context, app *models.Application, userID string, payload models.Payload) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	return o.Dispatch(ctx, app, payload, models.Targeting{UserIDs: []string{userID}})
}

// Schedule stores a notification to be dispatched by the scheduler at at.
func (o *Orchestrator) Schedule(ctx context.Context, app *models.Application, payload models.Payload, targeting models.Targeting, at time.Time) (*models.Notification, error) {
	if err := o.validate(payload, targeting); err != nil {
		return nil, err
	}
	if at.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_at is required", ErrInvalidRequest)
	}
	if !at.After(o.now()) {
		return nil, fmt.Errorf("%w: scheduled_at must be in the future", ErrInvalidRequest)
	}
	if _, err := o.resolveTargeting(ctx, app.ID, targeting); err != nil {
		return nil, err
	}

	at = at.UTC()
	n := &models.Notification{
		ID:          models.NewID("ntf"),
		AppID:       app.ID,
		Payload:     payload,
		Targeting:   targeting,
		Status:      models.NotificationScheduled,
		ScheduledAt: &at,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.dir.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	o.log.Info().Str("notification_id", n.ID).Time("scheduled_at", at).Msg("notification scheduled")
	return n, nil
}

// Cancel moves a scheduled notification of appID to cancelled. It returns
// ErrNotificationNotFound when there is no such notification, and
// ErrInvalidRequest when it is no longer scheduled.
func (o *Orchestrator) Cancel(ctx context.Context, appID, id string) error {
	ok, err := o.dir.CancelScheduledNotification(ctx, appID, id)
	if err != nil {
		return fmt.Errorf("cancel notification: %w", err)
	}
	if ok {
		return nil
	}
	n, err := o.dir.GetNotification(ctx, id)
	if err != nil {
		return fmt.Errorf("get notification: %w", err)
	}
	if n == nil || n.AppID != appID {
		return ErrNotificationNotFound
	}
	return fmt.Errorf("%w: notification is %s, not scheduled", ErrInvalidRequest, n.Status)
}

// DispatchScheduled claims a due scheduled notification and sends it. A
// notification already claimed or cancelled yields (nil, nil).
func (o *Orchestrator) DispatchScheduled(ctx context.Context, n *models.Notification) (*Result, error) {
	claimed, err := o.dir.ClaimScheduledNotification(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	res, err := o.dispatchClaimed(ctx, n)
	if err != nil {
		o.markFailed(ctx, n.ID)
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) dispatchClaimed(ctx context.Context, n *models.Notification) (*Result, error) {
	app, err := o.dir.GetApplication(ctx, n.AppID)
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	if app == nil {
		return nil, fmt.Errorf("application %s no longer exists", n.AppID)
	}
	resolved, err := o.resolveTargeting(ctx, app.ID, n.Targeting)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, app, n, resolved)
}

func (o *Orchestrator) validate(payload models.Payload, targeting models.Targeting) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if targeting.Platform != "" && !targeting.Platform.Valid() {
		return fmt.Errorf("%w: invalid platform %q", ErrInvalidRequest, targeting.Platform)
	}
	return nil
}

// resolveTargeting expands a named segment. Segment filters only fill the
// fields the request left empty.
func (o *Orchestrator) resolveTargeting(ctx context.Context, appID string, t models.Targeting) (models.Targeting, error) {
	if t.Segment == "" {
		return t, nil
	}
	seg, err := o.dir.GetSegmentByName(ctx, appID, t.Segment)
	if err != nil {
		return t, fmt.Errorf("get segment: %w", err)
	}
	if seg == nil {
		return t, fmt.Errorf("%w: %s", ErrSegmentNotFound, t.Segment)
	}
	if t.Platform == "" {
		t.Platform = seg.Filters.Platform
	}
	if len(t.Tags) == 0 {
		t.Tags = seg.Filters.Tags
	}
	if len(t.UserIDs) == 0 {
		t.UserIDs = seg.Filters.UserIDs
	}
	if len(t.DeviceIDs) == 0 {
		t.DeviceIDs = seg.Filters.DeviceIDs
	}
	return t, nil
}

type platformBatch struct {
	platform models.Platform
	devices  []models.Device
	result   *transport.BatchResult
	err      error
}

// run resolves devices for an already persisted notification, fans out to
// the transports and writes the outcome back.
func (o *Orchestrator) run(ctx context.Context, app *models.Application, n *models.Notification, targeting models.Targeting) (*Result, error) {
	log := o.log.With().Str("app_id", app.ID).Str("notification_id", n.ID).Logger()

	devices, err := o.dir.ResolveDevices(ctx, app.ID, targeting)
	if err != nil {
		o.markFailed(ctx, n.ID)
		return nil, fmt.Errorf("resolve devices: %w", err)
	}

	res := &Result{NotificationID: n.ID, Status: models.NotificationCompleted}
	res.Stats.Total = len(devices)

	var batches []*platformBatch
	grouped := make(map[models.Platform][]models.Device)
	for _, d := range devices {
		grouped[d.Platform] = append(grouped[d.Platform], d)
	}
	for _, p := range models.Platforms {
		devs := grouped[p]
		if len(devs) == 0 {
			continue
		}
		_, ok := o.transports[p]
		switch {
		case !app.PlatformEnabled(p):
			o.skip(&log, res, p, len(devs), "platform disabled")
		case !ok:
			o.skip(&log, res, p, len(devs), "no transport")
		default:
			batches = append(batches, &platformBatch{platform: p, devices: devs})
		}
	}

	msg := transport.Message{NotificationID: n.ID, Payload: n.Payload, CallbackURL: o.callbackURL}
	var wg conc.WaitGroup
	for _, b := range batches {
		b := b
		wg.Go(func() {
			start := time.Now()
			b.result, b.err = o.transports[b.platform].SendBatch(ctx, app, b.devices, msg)
			if b.err == nil && o.recorder != nil {
				o.recorder.BatchCompleted(b.platform, b.result, time.Since(start))
			}
		})
	}
	wg.Wait()

	// The outcome is written even when the caller's deadline ran out during
	// the fan-out; otherwise the notification would stay in sending.
	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()
	expired := make(map[string]struct{})
	var expiredIDs []string
	var deliveries []models.Delivery
	for _, b := range batches {
		if errors.Is(b.err, transport.ErrNotConfigured) {
			o.skip(&log, res, b.platform, len(b.devices), b.err.Error())
			continue
		}
		if b.err != nil {
			// Anything else a transport reports for the whole batch counts
			// against every device in it.
			log.Error().Err(b.err).Str("platform", string(b.platform)).Msg("transport batch failed")
			b.result = transport.NewBatchResult()
			for _, d := range b.devices {
				b.result.Add(d.ID, transport.Failed(transport.KindUnknown, b.err.Error()))
			}
		}

		res.Stats.Sent += b.result.Succeeded
		res.Stats.Failed += b.result.Failed
		res.Stats.Queued += b.result.Queued
		res.Errors = append(res.Errors, b.result.Errors...)
		for _, id := range b.result.Expired {
			if _, seen := expired[id]; !seen {
				expired[id] = struct{}{}
				expiredIDs = append(expiredIDs, id)
			}
		}
		for _, d := range b.devices {
			deliveries = append(deliveries, deliveryRow(n.ID, d.ID, b.result, now))
		}

		log.Info().
			Str("platform", string(b.platform)).
			Int("total", b.result.Total).
			Int("succeeded", b.result.Succeeded).
			Int("failed", b.result.Failed).
			Int("queued", b.result.Queued).
			Msg("platform batch sent")
	}
	res.Stats.ExpiredDevices = len(expiredIDs)

	if len(expiredIDs) > 0 {
		if _, err := o.dir.DeactivateDevices(ctx, expiredIDs); err != nil {
			o.markFailed(ctx, n.ID)
			return nil, fmt.Errorf("deactivate expired devices: %w", err)
		}
		log.Info().Int("count", len(expiredIDs)).Msg("deactivated expired devices")
	}
	if err := o.dir.CreateDeliveries(ctx, deliveries); err != nil {
		o.markFailed(ctx, n.ID)
		return nil, fmt.Errorf("record deliveries: %w", err)
	}
	if err := o.dir.CompleteNotification(ctx, n.ID, res.Stats.Sent, res.Stats.Failed, now); err != nil {
		return nil, fmt.Errorf("complete notification: %w", err)
	}

	log.Info().
		Int("total", res.Stats.Total).
		Int("sent", res.Stats.Sent).
		Int("failed", res.Stats.Failed).
		Int("skipped", res.Stats.Skipped).
		Msg("notification dispatched")
	return res, nil
}

func (o *Orchestrator) skip(log *zerolog.Logger, res *Result, p models.Platform, count int, reason string) {
	res.Stats.Skipped += count
	if o.recorder != nil {
		o.recorder.BatchSkipped(p, count, reason)
	}
	log.Warn().Str("platform", string(p)).Int("devices", count).Str("reason", reason).Msg("platform skipped")
}

func (o *Orchestrator) markFailed(ctx context.Context, id string) {
	if err := o.dir.FailNotification(context.WithoutCancel(ctx), id); err != nil {
		o.log.Error().Err(err).Str("notification_id", id).Msg("failed to mark notification failed")
	}
}

func deliveryRow(notificationID, deviceID string, res *transport.BatchResult, now time.Time) models.Delivery {
	d := models.Delivery{
		ID:             models.NewID("dlv"),
		NotificationID: notificationID,
		DeviceID:       deviceID,
		Status:         models.DeliveryFailed,
		CreatedAt:      now,
	}
	out, ok := res.Outcome(deviceID)
	if !ok {
		d.ErrorMessage = "no outcome reported"
		return d
	}
	if out.Success {
		d.Status = models.DeliverySent
		d.SentAt = &now
		return d
	}
	d.ErrorMessage = string(out.Kind)
	if out.Detail != "" {
		d.ErrorMessage += ": " + out.Detail
	}
	return d
}
