package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cheersbot/internal/broadcast"
	"cheersbot/internal/config"
	"cheersbot/internal/notifier"
	"cheersbot/internal/ops"
	"cheersbot/internal/storage"
	"cheersbot/internal/task/scheduler"
	telegram "cheersbot/internal/transport/telegram/adapter"
	"cheersbot/internal/voice/livekit"
	logx "cheersbot/pkg/logx"
)

const (
	defaultSweepSpec    = "@every 1m"
	defaultCountersSpec = "@every 1m"
	defaultGrace        = 2 * time.Second
)

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

// mapLogging resolves the operator chat from telegram.group_log; an invalid
// or empty id leaves the chat sink without a target.
func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64); err == nil {
		out.Chat.ChatID = id
	}
	return out
}

func mapBroadcast(cfg *config.Config) (broadcast.Options, error) {
	bc := cfg.Broadcast
	b := broadcast.DefaultBoundaries
	if bc.JoinMinute != nil {
		b.JoinMinute = *bc.JoinMinute
	}
	if bc.PlayMinute != nil {
		b.PlayMinute = *bc.PlayMinute
	}
	opts := broadcast.Options{Boundaries: b, QueueSize: bc.QueueSize, CatchUp: true}
	if bc.CatchUp != nil {
		opts.CatchUp = *bc.CatchUp
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"broadcast.tick", bc.Tick, &opts.Tick},
		{"broadcast.connect_timeout", bc.ConnectTimeout, &opts.ConnectTimeout},
		{"broadcast.play_timeout", bc.PlayTimeout, &opts.PlayTimeout},
		{"broadcast.disconnect_timeout", bc.DisconnectTimeout, &opts.DisconnectTimeout},
		{"broadcast.lease_ceiling", bc.LeaseCeiling, &opts.LeaseCeiling},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.key, d.raw)
		if err != nil {
			return broadcast.Options{}, err
		}
		*d.dst = v
	}

	// An explicit "0s" grace disconnects immediately; only an absent value
	// takes the default.
	opts.Grace = defaultGrace
	if strings.TrimSpace(bc.Grace) != "" {
		g, err := config.ParseDurationField("broadcast.grace", bc.Grace)
		if err != nil {
			return broadcast.Options{}, err
		}
		opts.Grace = g
	}
	if bc.QueueSize < 0 {
		return broadcast.Options{}, fmt.Errorf("broadcast.queue_size must be >= 0")
	}
	if err := opts.Validate(); err != nil {
		return broadcast.Options{}, fmt.Errorf("broadcast: %w", err)
	}
	return opts, nil
}

func defaultPayload(cfg *config.Config) broadcast.PayloadRef {
	if p := strings.TrimSpace(cfg.Broadcast.DefaultPayload); p != "" {
		return broadcast.PayloadRef(p)
	}
	return broadcast.DefaultPayload
}

func mapLiveKit(cfg *config.Config) (livekit.Config, error) {
	lc := cfg.LiveKit
	rt, err := config.ParseDurationField("livekit.request_timeout", lc.RequestTimeout)
	if err != nil {
		return livekit.Config{}, err
	}
	out := livekit.Config{
		URL:            strings.TrimSpace(lc.URL),
		APIKey:         lc.APIKey,
		APISecret:      lc.APISecret,
		Identity:       lc.Identity,
		RoomPrefix:     lc.RoomPrefix,
		RequestTimeout: rt,
	}
	return out, out.Validate()
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:           driver,
		Path:             strings.TrimSpace(sc.Path),
		OutcomeRetention: sc.OutcomeRetention,
	}
	if sc.OutcomeRetention < 0 {
		return storage.Config{}, fmt.Errorf("storage.outcome_retention must be >= 0")
	}
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		if out.Path == "" {
			out.Path = "./data"
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "redis":
		rc := sc.Redis
		if len(rc.Addrs) == 0 {
			return storage.Config{}, fmt.Errorf("storage.redis.addrs is required when storage.driver=redis")
		}
		timeout, err := config.ParseDurationOrDefault("storage.redis.timeout", rc.Timeout, 3*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.Redis = storage.RedisConfig{
			Addrs:      rc.Addrs,
			MasterName: rc.MasterName,
			Username:   rc.Username,
			Password:   rc.Password,
			DB:         rc.DB,
			KeyPrefix:  rc.KeyPrefix,
			Timeout:    timeout,
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

// mapNotifier keeps the notifier on when the section is omitted. Zero
// tuning values fall back to the notifier's own defaults.
func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"notifier.retry_base", nc.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", nc.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.dedup_window", nc.DedupWindow, &out.DedupWindow},
	} {
		v, err := config.ParseDurationField(d.key, d.raw)
		if err != nil {
			return notifier.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Pprof:         oc.Pprof,
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
	}
	for _, d := range []struct {
		key string
		raw string
		def time.Duration
		dst *time.Duration
	}{
		{"ops.read_timeout", oc.ReadTimeout, 5 * time.Second, &out.ReadTimeout},
		{"ops.write_timeout", oc.WriteTimeout, 30 * time.Second, &out.WriteTimeout},
		{"ops.idle_timeout", oc.IdleTimeout, time.Minute, &out.IdleTimeout},
	} {
		v, err := config.ParseDurationOrDefault(d.key, d.raw, d.def)
		if err != nil {
			return ops.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

// housekeepingSpecs returns the sweep and counter-flush schedules.
func housekeepingSpecs(cfg *config.Config) (sweep, counters string, err error) {
	sweep = strings.TrimSpace(cfg.Housekeeping.SweepSpec)
	if sweep == "" {
		sweep = defaultSweepSpec
	}
	counters = strings.TrimSpace(cfg.Housekeeping.CountersSpec)
	if counters == "" {
		counters = defaultCountersSpec
	}
	now := time.Now()
	if _, err := scheduler.ParseSchedule(sweep, now, false, "sweep"); err != nil {
		return "", "", fmt.Errorf("housekeeping.sweep_spec: %w", err)
	}
	if _, err := scheduler.ParseSchedule(counters, now, false, "counters"); err != nil {
		return "", "", fmt.Errorf("housekeeping.counters_spec: %w", err)
	}
	return sweep, counters, nil
}

// validate rejects a config before it is committed, at startup and on every
// hot reload.
func validate(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: invalid chat id %q", g)
		}
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	steps := []func(*config.Config) error{
		func(c *config.Config) error { _, err := mapTelegram(c); return err },
		func(c *config.Config) error { _, err := mapBroadcast(c); return err },
		func(c *config.Config) error { _, err := mapLiveKit(c); return err },
		func(c *config.Config) error { _, err := mapStorage(c); return err },
		func(c *config.Config) error { _, err := mapNotifier(c); return err },
		func(c *config.Config) error { _, err := mapOps(c); return err },
		func(c *config.Config) error { _, _, err := housekeepingSpecs(c); return err },
	}
	for _, step := range steps {
		if err := step(cfg); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Catalog.Dir) == "" {
		return fmt.Errorf("catalog.dir is required")
	}
	return nil
}
