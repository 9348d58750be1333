// Package transport defines the contract every delivery mechanism satisfies
// and the shared fan-out used to attempt a batch of devices.
package transport

import (
	"context"
	"errors"

	"github.com/shohag/pushrelay/internal/models"
)

// ErrNotConfigured is returned by SendBatch when the tenant lacks the
// credentials a transport needs. The whole platform batch is skipped.
var ErrNotConfigured = errors.New("transport not configured for application")

type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindExpired     ErrorKind = "expired"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindUnknown     ErrorKind = "unknown"
)

// Message is one notification as handed to a transport.
type Message struct {
	NotificationID string
	Payload        models.Payload
	// CallbackURL is the public base URL devices use to report delivery
	// and clicks. Empty when not configured.
	CallbackURL string
}

// Outcome is the classified result of a single send. Delivered means the
// message reached a live connection; Queued means it is held for later
// pickup. Both count as success.
type Outcome struct {
	Success   bool      `json:"success"`
	Delivered bool      `json:"delivered,omitempty"`
	Queued    bool      `json:"queued,omitempty"`
	Kind      ErrorKind `json:"error_kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func Succeeded() Outcome { return Outcome{Success: true} }

func Failed(kind ErrorKind, detail string) Outcome {
	return Outcome{Kind: kind, Detail: detail}
}

type TargetError struct {
	DeviceID string    `json:"device_id"`
	Kind     ErrorKind `json:"error_kind"`
	Detail   string    `json:"detail"`
}

// BatchResult aggregates one SendBatch call. Succeeded+Failed == Total.
type BatchResult struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Queued    int           `json:"queued"`
	Expired   []string      `json:"expired_target_ids"`
	Errors    []TargetError `json:"per_target_errors"`

	outcomes map[string]Outcome
}

func NewBatchResult() *BatchResult {
	return &BatchResult{outcomes: make(map[string]Outcome)}
}

// Add records the outcome for one device.
func (r *BatchResult) Add(deviceID string, o Outcome) {
	r.Total++
	if r.outcomes == nil {
		r.outcomes = make(map[string]Outcome)
	}
	r.outcomes[deviceID] = o
	if o.Success {
		r.Succeeded++
		if o.Queued {
			r.Queued++
		}
		return
	}
	r.Failed++
	if o.Kind == KindExpired {
		r.Expired = append(r.Expired, deviceID)
	}
	r.Errors = append(r.Errors, TargetError{DeviceID: deviceID, Kind: o.Kind, Detail: o.Detail})
}

// Outcome returns the recorded outcome for deviceID.
func (r *BatchResult) Outcome(deviceID string) (Outcome, bool) {
	o, ok := r.outcomes[deviceID]
	return o, ok
}

// Transport delivers messages to devices of one platform. Tenant
// credentials are passed with every call and never held as mutable state.
type Transport interface {
	Platform() models.Platform
	Send(ctx context.Context, app *models.Application, device models.Device, msg Message) Outcome
	SendBatch(ctx context.Context, app *models.Application, devices []models.Device, msg Message) (*BatchResult, error)
}
