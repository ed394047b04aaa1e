package config

import (
	"reflect"

	logx "cheersbot/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"telegram":     true,
	"livekit":      true,
	"storage":      true,
	"ops":          true,
	"housekeeping": true,
}

// Change summarizes a config reload. Attrs never include secrets.
type Change struct {
	Sections        []string
	NeedsRestart    []string
	Attrs           []logx.Field
	LoggingChanged  bool
	BroadcastChange bool
	NotifierChanged bool
	CatalogChanged  bool
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var c Change
	mark := func(section string, changed bool, attrs ...logx.Field) bool {
		if !changed {
			return false
		}
		c.Sections = append(c.Sections, section)
		if restartSections[section] {
			c.NeedsRestart = append(c.NeedsRestart, section)
		}
		c.Attrs = append(c.Attrs, attrs...)
		return true
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	mark("telegram",
		ot.Token != nt.Token || ot.GroupLog != nt.GroupLog || ot.PollTimeout != nt.PollTimeout ||
			!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
	)

	c.LoggingChanged = mark("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)

	c.BroadcastChange = mark("broadcast", !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast),
		logx.String("broadcast.tick", newCfg.Broadcast.Tick),
		logx.String("broadcast.default_payload", newCfg.Broadcast.DefaultPayload),
	)

	ol, nl := oldCfg.LiveKit, newCfg.LiveKit
	mark("livekit", ol != nl,
		logx.String("livekit.url", nl.URL),
		logx.Bool("livekit.secret_changed", ol.APISecret != nl.APISecret),
	)

	c.CatalogChanged = mark("catalog", oldCfg.Catalog != newCfg.Catalog,
		logx.String("catalog.dir", newCfg.Catalog.Dir),
	)

	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
	)

	c.NotifierChanged = mark("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier))

	mark("housekeeping", oldCfg.Housekeeping != newCfg.Housekeeping,
		logx.String("housekeeping.sweep_spec", newCfg.Housekeeping.SweepSpec),
		logx.String("housekeeping.counters_spec", newCfg.Housekeeping.CountersSpec),
	)

	mark("ops", oldCfg.Ops != newCfg.Ops,
		logx.Bool("ops.enabled", newCfg.Ops.Enabled),
		logx.String("ops.addr", newCfg.Ops.Addr),
	)
	return c
}
