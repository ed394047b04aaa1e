package broadcast

import (
	"fmt"
	"sync"
	"time"
)

// Clock supplies wall-clock time. Implementations must be safe for
// concurrent use.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the process clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

var zones sync.Map // int -> *time.Location

// InOffset returns t viewed in a fixed UTC offset frame of the given minutes.
func InOffset(t time.Time, minutes int) time.Time {
	if minutes == 0 {
		return t.UTC()
	}
	if loc, ok := zones.Load(minutes); ok {
		return t.In(loc.(*time.Location))
	}
	loc, _ := zones.LoadOrStore(minutes, time.FixedZone(FormatOffset(minutes), minutes*60))
	return t.In(loc.(*time.Location))
}

// FormatOffset renders minutes as "UTC", "UTC+5" or "UTC-3:30".
func FormatOffset(minutes int) string {
	if minutes == 0 {
		return "UTC"
	}
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	if minutes%60 == 0 {
		return fmt.Sprintf("UTC%s%d", sign, minutes/60)
	}
	return fmt.Sprintf("UTC%s%d:%02d", sign, minutes/60, minutes%60)
}
