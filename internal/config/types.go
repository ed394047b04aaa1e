package config

// Config is the on-disk configuration (JSON or YAML). Unknown keys are
// rejected. Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Broadcast    BroadcastConfig    `json:"broadcast"`
	LiveKit      LiveKitConfig      `json:"livekit"`
	Catalog      CatalogConfig      `json:"catalog"`
	Storage      StorageConfig      `json:"storage"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
	Ops          OpsConfig          `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may administer any tenant.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the operator chat id that receives log records.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BroadcastConfig tunes the trigger engine and lifecycle.
//
// Defaults (when fields are omitted/zero):
//   - join_minute: 15, play_minute: 20
//   - tick: "1s"
//   - connect_timeout: "15s", play_timeout: "5m"
//   - grace: "2s" (use "0s" to disconnect immediately)
//   - disconnect_timeout: "10s"
//   - lease_ceiling: "15m"
//   - default_payload: "Cheers_Bitch"
//   - catch_up: true
type BroadcastConfig struct {
	JoinMinute *int `json:"join_minute,omitempty"`
	PlayMinute *int `json:"play_minute,omitempty"`

	Tick              string `json:"tick,omitempty"`
	ConnectTimeout    string `json:"connect_timeout,omitempty"`
	PlayTimeout       string `json:"play_timeout,omitempty"`
	Grace             string `json:"grace,omitempty"`
	DisconnectTimeout string `json:"disconnect_timeout,omitempty"`
	LeaseCeiling      string `json:"lease_ceiling,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`

	DefaultPayload string `json:"default_payload,omitempty"`
	CatchUp        *bool  `json:"catch_up,omitempty"`
}

// LiveKitConfig points at the voice server. Tenants map to rooms named
// "<room_prefix><tenant>-<room>".
type LiveKitConfig struct {
	URL            string `json:"url"`
	APIKey         string `json:"api_key"`
	APISecret      string `json:"api_secret"`
	Identity       string `json:"identity,omitempty"`
	RoomPrefix     string `json:"room_prefix,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type CatalogConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cheers.db" }
type StorageConfig struct {
	Driver           string      `json:"driver"`
	Path             string      `json:"path,omitempty"`
	BusyTimeout      string      `json:"busy_timeout,omitempty"`
	OutcomeRetention int         `json:"outcome_retention,omitempty"`
	Redis            RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addrs      []string `json:"addrs,omitempty"`
	MasterName string   `json:"master_name,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	DB         int      `json:"db,omitempty"`
	KeyPrefix  string   `json:"key_prefix,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
}

// NotifierConfig controls tenant notices. If the whole section is omitted,
// the notifier defaults to enabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// HousekeepingConfig schedules background jobs with cron specs
// ("@every 1m", "*/5 * * * *"). Empty specs use the defaults.
type HousekeepingConfig struct {
	SweepSpec    string `json:"sweep_spec,omitempty"`
	CountersSpec string `json:"counters_spec,omitempty"`
}

// OpsConfig controls the operator HTTP server (/metrics, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
