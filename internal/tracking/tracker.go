// Package tracking records what happens to a notification after it left
// the transport: device acknowledgements and clicks.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Store is the persistence the tracker needs.
type Store interface {
	AdvanceDelivery(ctx context.Context, notificationID, deviceID string, to models.DeliveryStatus, at time.Time) (bool, error)
}

// Recorder observes accepted and duplicate events. Metrics implement it.
type Recorder interface {
	TrackingEvent(event string, applied bool)
}

type Tracker struct {
	store    Store
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time
}

func New(store Store, recorder Recorder, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		recorder: recorder,
		log:      log.With().Str("component", "tracker").Logger(),
		now:      time.Now,
	}
}

// RecordDelivered marks the delivery as delivered. Repeated calls for the
// same device leave the counters untouched.
func (t *Tracker) RecordDelivered(ctx context.Context, notificationID, deviceID string) error {
	return t.advance(ctx, notificationID, deviceID, models.DeliveryDelivered)
}

// RecordClicked marks the delivery as clicked. A click is counted once per
// device.
func (t *Tracker) RecordClicked(ctx context.Context, notificationID, deviceID string) error {
	return t.advance(ctx, notificationID, deviceID, models.DeliveryClicked)
}

func (t *Tracker) advance(ctx context.Context, notificationID, deviceID string, to models.DeliveryStatus) error {
	if notificationID == "" || deviceID == "" {
		return fmt.Errorf("notification id and device id are required")
	}
	applied, err := t.store.AdvanceDelivery(ctx, notificationID, deviceID, to, t.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotificationNotFound
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", to, err)
	}
	if t.recorder != nil {
		t.recorder.TrackingEvent(string(to), applied)
	}
	if !applied {
		t.log.Debug().
			Str("notification_id", notificationID).
			Str("device_id", deviceID).
			Str("status", string(to)).
			Msg("ignored duplicate, stale or unknown-device event")
	}
	return nil
}
