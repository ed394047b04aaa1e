// Package livekit maps tenants and their voice destinations onto LiveKit
// rooms. A tenant's destinations are the rooms named
// "<RoomPrefix><tenant>-<destination>".
package livekit

import (
	"errors"
	"strings"
	"time"
)

type Config struct {
	URL       string
	APIKey    string
	APISecret string
	// Identity is the bot's participant identity; the tenant is appended.
	Identity       string
	RoomPrefix     string
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Identity) == "" {
		c.Identity = "cheersbot"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.URL) == "":
		return errors.New("livekit.url is required")
	case c.APIKey == "" || c.APISecret == "":
		return errors.New("livekit.api_key and livekit.api_secret are required")
	}
	return nil
}

// roomPrefix is the name prefix shared by all rooms of one tenant.
func (c Config) roomPrefix(tenant string) string {
	return c.RoomPrefix + tenant + "-"
}

func (c Config) roomName(tenant, dest string) string {
	return c.roomPrefix(tenant) + dest
}
