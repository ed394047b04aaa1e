package scheduler

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

var errEmptySpec = errors.New("empty schedule spec")

// Parser accepts 5 or 6 field cron specs and descriptors like "@hourly".
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule understands three forms:
//
//	"@every 1m" or "90s"   fixed interval
//	"HH:MM"                 daily at local wall time
//	anything else           cron expression
//
// Interval schedules get a random first-run delay of up to one interval
// (capped at 30s) when spread is set, so jobs that share an interval do
// not all fire on the same tick after startup.
func ParseSchedule(spec string, now time.Time, spread bool, tag string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errEmptySpec
	}

	every, isInterval, err := parseInterval(spec)
	if err != nil {
		return nil, err
	}
	if isInterval {
		if every < time.Second {
			return nil, fmt.Errorf("interval %s below 1s", every)
		}
		if !spread {
			return cron.Every(every), nil
		}
		return spreadInterval(every, now, tag), nil
	}

	if hh, mm, ok := parseClock(spec); ok {
		return Parser.Parse(fmt.Sprintf("%d %d * * *", mm, hh))
	}
	s, err := Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

func parseInterval(spec string) (time.Duration, bool, error) {
	raw, hasPrefix := strings.CutPrefix(spec, "@every ")
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		if hasPrefix {
			return 0, false, fmt.Errorf("invalid interval %q: %w", spec, err)
		}
		return 0, false, nil
	}
	return d, true, nil
}

func parseClock(spec string) (int, int, bool) {
	if len(spec) != 5 || spec[2] != ':' {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", spec)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// delayedFirst overrides the first activation of an interval schedule.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

func spreadInterval(every time.Duration, now time.Time, tag string) cron.Schedule {
	window := min(every, maxStartupSpread)
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(window)))
	return &delayedFirst{base: cron.Every(every), first: now.Add(every + jitter)}
}
