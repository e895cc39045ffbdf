package model

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidPlatform is returned for platform tags outside the supported set.
var ErrInvalidPlatform = errors.New("invalid platform")

type Platform string

const (
	PlatformIOS     Platform = "mobile-ios"
	PlatformAndroid Platform = "mobile-android"
	PlatformWeb     Platform = "web"
)

// ParsePlatform normalizes a client supplied platform tag. The short forms
// "ios" and "android" are accepted as aliases.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mobile-ios", "ios":
		return PlatformIOS, nil
	case "mobile-android", "android":
		return PlatformAndroid, nil
	case "web":
		return PlatformWeb, nil
	}
	return "", ErrInvalidPlatform
}

// DeviceEndpoint is a durable push destination. Token is unique across all
// users; Version increases on every write so a deactivation computed from a
// stale read never overrides a newer registration.
type DeviceEndpoint struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	Platform  Platform  `json:"platform"`
	DeviceID  string    `json:"device_id,omitempty"`
	Active    bool      `json:"active"`
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
