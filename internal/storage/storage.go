package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/pushrelay/internal/models"
)

// ErrNotFound is returned by write operations that address a missing row.
// Read operations return a nil value and a nil error instead.
var ErrNotFound = errors.New("not found")

type Storage interface {
	// Applications
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	GetApplicationByAPIKey(ctx context.Context, apiKey string) (*models.Application, error)
	ListApplications(ctx context.Context) ([]models.Application, error)
	UpdateApplication(ctx context.Context, app *models.Application) error
	UpdateApplicationAPIKey(ctx context.Context, id, newKey string) error

	// Devices
	UpsertDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	UpdateDevice(ctx context.Context, id string, u models.DeviceUpdate) (*models.Device, error)
	DeleteDevice(ctx context.Context, appID, id string) (bool, error)
	DeleteDeviceByToken(ctx context.Context, appID, token string) (bool, error)
	AddDeviceTags(ctx context.Context, id string, tags []string) ([]string, error)
	RemoveDeviceTags(ctx context.Context, id string, tags []string) ([]string, error)
	SetDeviceUser(ctx context.Context, id, userID string) error
	TouchDevice(ctx context.Context, id string, at time.Time) error
	ResolveDevices(ctx context.Context, appID string, t models.Targeting) ([]models.Device, error)
	DeactivateDevices(ctx context.Context, ids []string) (int64, error)

	// Segments
	CreateSegment(ctx context.Context, s *models.Segment) error
	GetSegmentByName(ctx context.Context, appID, name string) (*models.Segment, error)
	ListSegments(ctx context.Context, appID string) ([]models.Segment, error)

	// Notifications
	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	ListNotifications(ctx context.Context, appID string, limit, offset int) ([]models.Notification, error)
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	ClaimScheduledNotification(ctx context.Context, id string) (bool, error)
	CancelScheduledNotification(ctx context.Context, appID, id string) (bool, error)
	CompleteNotification(ctx context.Context, id string, sent, failed int, at time.Time) error
	FailNotification(ctx context.Context, id string) error

	// Deliveries
	CreateDeliveries(ctx context.Context, ds []models.Delivery) error
	ListDeliveries(ctx context.Context, notificationID string) ([]models.Delivery, error)
	AdvanceDelivery(ctx context.Context, notificationID, deviceID string, to models.DeliveryStatus, at time.Time) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
