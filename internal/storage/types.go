package storage

import (
	"context"
	"errors"
	"time"

	"cheersbot/internal/broadcast"
)

var ErrDisabled = errors.New("storage disabled")

// ErrNotFound aliases the sentinel the broadcast registry understands.
var ErrNotFound = broadcast.ErrNotFound

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// OutcomeRetention caps stored outcomes (sqlite, redis); 0 keeps all.
	OutcomeRetention int

	Redis RedisConfig
}

type RedisConfig struct {
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int
	KeyPrefix  string
	Timeout    time.Duration
}

// AuditEntry records one administrator command.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	Tenant        string    `json:"tenant"`
	Command       string    `json:"command"`
	Args          string    `json:"args,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
}

// Store is the persistence surface used by the app.
type Store interface {
	broadcast.ConfigStore
	broadcast.OutcomeStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentOutcomes returns up to limit outcomes of one tenant, newest first.
	RecentOutcomes(ctx context.Context, tenant broadcast.TenantID, limit int) ([]broadcast.PlaybackOutcome, error)
	Close() error
}
