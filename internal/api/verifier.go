package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
)

var ErrDeviceRejected = errors.New("device rejected")

// DeviceVerifier admits a realtime socket registration only for a known,
// active android device presenting the token it registered with.
type DeviceVerifier struct {
	store storage.Storage
}

func NewDeviceVerifier(store storage.Storage) *DeviceVerifier {
	return &DeviceVerifier{store: store}
}

func (v *DeviceVerifier) VerifyDevice(ctx context.Context, deviceID, token string) error {
	d, err := v.store.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	switch {
	case d == nil:
		return fmt.Errorf("%w: unknown device", ErrDeviceRejected)
	case d.Platform != models.PlatformAndroid:
		return fmt.Errorf("%w: platform %s", ErrDeviceRejected, d.Platform)
	case !d.Active:
		return fmt.Errorf("%w: inactive", ErrDeviceRejected)
	case subtle.ConstantTimeCompare([]byte(token), []byte(d.Token)) != 1:
		return fmt.Errorf("%w: token mismatch", ErrDeviceRejected)
	}
	return v.store.TouchDevice(ctx, d.ID, time.Now().UTC())
}
