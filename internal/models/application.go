package models

import "time"

// Application is a tenant. It owns its devices, its notification history
// and the credentials every transport needs to reach those devices.
type Application struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`

	VAPIDPublicKey  string `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey string `json:"-"`
	VAPIDSubject    string `json:"vapid_subject,omitempty"`

	APNsKeyID      string `json:"apns_key_id,omitempty"`
	APNsTeamID     string `json:"apns_team_id,omitempty"`
	APNsBundleID   string `json:"apns_bundle_id,omitempty"`
	APNsPrivateKey string `json:"-"`
	APNsProduction bool   `json:"apns_production"`

	WebPushEnabled bool `json:"web_push_enabled"`
	APNsEnabled    bool `json:"apns_enabled"`
	AndroidEnabled bool `json:"android_enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlatformEnabled reports whether the tenant allows sends to platform p.
func (a *Application) PlatformEnabled(p Platform) bool {
	switch p {
	case PlatformWeb:
		return a.WebPushEnabled
	case PlatformIOS:
		return a.APNsEnabled
	case PlatformAndroid:
		return a.AndroidEnabled
	}
	return false
}

func (a *Application) HasVAPID() bool {
	return a.VAPIDPublicKey != "" && a.VAPIDPrivateKey != ""
}

func (a *Application) HasAPNs() bool {
	return a.APNsKeyID != "" && a.APNsTeamID != "" && a.APNsBundleID != "" && a.APNsPrivateKey != ""
}

// Redacted returns a copy safe to hand back over the API.
func (a Application) Redacted() Application {
	a.APIKey = ""
	a.APISecret = ""
	return a
}
