package models

import (
	"fmt"
	"time"
)

type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

var Platforms = []Platform{PlatformWeb, PlatformIOS, PlatformAndroid}

func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformIOS, PlatformAndroid:
		return true
	}
	return false
}

// Device is one registered delivery target. Web devices carry a push
// subscription (endpoint plus key material); ios and android devices carry
// an opaque token. Token is also filled for web devices with the endpoint so
// (app_id, token) stays unique across platforms.
type Device struct {
	ID       string   `json:"id"`
	AppID    string   `json:"app_id"`
	Platform Platform `json:"platform"`
	Token    string   `json:"token"`
	Endpoint string   `json:"endpoint,omitempty"`
	P256dh   string   `json:"p256dh,omitempty"`
	Auth     string   `json:"auth,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
	Tags     []string `json:"tags"`

	Language    string `json:"language,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	DeviceModel string `json:"device_model,omitempty"`
	OSVersion   string `json:"os_version,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`

	Active       bool       `json:"active"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Validate checks that the device carries the credentials its platform needs.
func (d *Device) Validate() error {
	if !d.Platform.Valid() {
		return fmt.Errorf("invalid platform %q", d.Platform)
	}
	if d.Platform == PlatformWeb {
		if d.Endpoint == "" || d.P256dh == "" || d.Auth == "" {
			return fmt.Errorf("web devices need endpoint, p256dh and auth")
		}
		if d.Token == "" {
			d.Token = d.Endpoint
		}
		return nil
	}
	if d.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// DeviceUpdate carries a partial device change. Nil fields are left as they
// are; an empty user id unlinks the device and a non-nil Tags replaces the
// tag set.
type DeviceUpdate struct {
	UserID      *string  `json:"user_id"`
	Tags        []string `json:"tags"`
	Language    *string  `json:"language"`
	Timezone    *string  `json:"timezone"`
	DeviceModel *string  `json:"device_model"`
	OSVersion   *string  `json:"os_version"`
	AppVersion  *string  `json:"app_version"`
}

func (u DeviceUpdate) Empty() bool {
	return u.UserID == nil && u.Tags == nil && u.Language == nil && u.Timezone == nil &&
		u.DeviceModel == nil && u.OSVersion == nil && u.AppVersion == nil
}
