package broadcast

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

type (
	TenantID      string
	DestinationID string
	PayloadRef    string
)

type PolicyKind string

const (
	PolicyHourly       PolicyKind = "hourly"
	PolicyFixedOffsets PolicyKind = "offsets"
	PolicyManual       PolicyKind = "manual"
)

// MaxOffsetMinutes bounds offsets to the real-world range of UTC-14..UTC+14.
const MaxOffsetMinutes = 14 * 60

// Offset is a structured UTC offset. Label is display-only and never parsed
// at trigger time.
type Offset struct {
	Minutes int    `json:"minutes"`
	Label   string `json:"label,omitempty"`
}

func (o Offset) String() string {
	if o.Label != "" {
		return o.Label
	}
	return FormatOffset(o.Minutes)
}

type Policy struct {
	Kind    PolicyKind `json:"kind"`
	Offsets []Offset   `json:"offsets,omitempty"`
}

func Hourly() Policy { return Policy{Kind: PolicyHourly} }
func Manual() Policy { return Policy{Kind: PolicyManual} }
func FixedOffsets(offsets ...Offset) Policy {
	return Policy{Kind: PolicyFixedOffsets, Offsets: offsets}
}

// Frames returns the offsets (in minutes) the policy is evaluated in.
// Manual policies have none.
func (p Policy) Frames() []int {
	switch p.Kind {
	case PolicyHourly:
		return []int{0}
	case PolicyFixedOffsets:
		out := make([]int, 0, len(p.Offsets))
		for _, o := range p.Offsets {
			out = append(out, o.Minutes)
		}
		return out
	default:
		return nil
	}
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyFixedOffsets:
		parts := make([]string, 0, len(p.Offsets))
		for _, o := range p.Offsets {
			parts = append(parts, o.String())
		}
		return "offsets(" + strings.Join(parts, ", ") + ")"
	default:
		return string(p.Kind)
	}
}

func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyHourly, PolicyManual:
		if len(p.Offsets) > 0 {
			return fmt.Errorf("policy %s takes no offsets", p.Kind)
		}
	case PolicyFixedOffsets:
		if len(p.Offsets) == 0 {
			return fmt.Errorf("policy %s needs at least one offset", p.Kind)
		}
		for _, o := range p.Offsets {
			if o.Minutes < -MaxOffsetMinutes || o.Minutes > MaxOffsetMinutes {
				return fmt.Errorf("offset %d minutes out of range", o.Minutes)
			}
		}
	default:
		return fmt.Errorf("unknown policy %q", p.Kind)
	}
	return nil
}

type PayloadMode string

const (
	ModeSingle PayloadMode = "single"
	ModeRandom PayloadMode = "random"
)

// TenantSchedule is one tenant's broadcast configuration. Values held by the
// Registry are never mutated in place; edits go through Registry.Update.
type TenantSchedule struct {
	Tenant    TenantID        `json:"tenant"`
	Enabled   bool            `json:"enabled"`
	Policy    Policy          `json:"policy"`
	Blacklist []DestinationID `json:"blacklist,omitempty"`

	Mode           PayloadMode         `json:"mode"`
	DefaultPayload PayloadRef          `json:"default_payload"`
	Payloads       map[PayloadRef]bool `json:"payloads,omitempty"`

	// LogThreadID routes tenant notifications to a forum topic; 0 means the
	// main chat.
	LogThreadID int       `json:"log_thread_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewSchedule returns the schedule a tenant gets on first interaction.
func NewSchedule(tenant TenantID, defaultPayload PayloadRef) TenantSchedule {
	return TenantSchedule{
		Tenant:         tenant,
		Enabled:        true,
		Policy:         Hourly(),
		Mode:           ModeSingle,
		DefaultPayload: defaultPayload,
	}
}

func (s TenantSchedule) Clone() TenantSchedule {
	cp := s
	cp.Policy.Offsets = slices.Clone(s.Policy.Offsets)
	cp.Blacklist = slices.Clone(s.Blacklist)
	cp.Payloads = maps.Clone(s.Payloads)
	return cp
}

func (s TenantSchedule) Validate() error {
	if s.Tenant == "" {
		return fmt.Errorf("tenant id is empty")
	}
	if err := s.Policy.Validate(); err != nil {
		return err
	}
	switch s.Mode {
	case ModeSingle:
		if s.DefaultPayload == "" {
			return fmt.Errorf("mode single needs a default payload")
		}
	case ModeRandom:
	default:
		return fmt.Errorf("unknown payload mode %q", s.Mode)
	}
	return nil
}

// Blacklisted needs Blacklist sorted; the registry normalizes every schedule
// it loads or saves.
func (s TenantSchedule) Blacklisted(d DestinationID) bool {
	_, found := slices.BinarySearch(s.Blacklist, d)
	return found
}

// NormalizeBlacklist sorts Blacklist and drops duplicates and empty names,
// for documents edited by hand.
func (s *TenantSchedule) NormalizeBlacklist() {
	s.Blacklist = slices.DeleteFunc(s.Blacklist, func(d DestinationID) bool { return d == "" })
	slices.Sort(s.Blacklist)
	s.Blacklist = slices.Compact(s.Blacklist)
}

// AddBlacklist keeps Blacklist sorted and unique. It reports whether d was new.
func (s *TenantSchedule) AddBlacklist(d DestinationID) bool {
	i, found := slices.BinarySearch(s.Blacklist, d)
	if found {
		return false
	}
	s.Blacklist = slices.Insert(s.Blacklist, i, d)
	return true
}

func (s *TenantSchedule) RemoveBlacklist(d DestinationID) bool {
	i, found := slices.BinarySearch(s.Blacklist, d)
	if !found {
		return false
	}
	s.Blacklist = slices.Delete(s.Blacklist, i, i+1)
	return true
}

// PayloadEnabled treats payloads without an explicit flag as enabled.
func (s TenantSchedule) PayloadEnabled(p PayloadRef) bool {
	on, ok := s.Payloads[p]
	return !ok || on
}

func (s *TenantSchedule) SetPayload(p PayloadRef, enabled bool) {
	if s.Payloads == nil {
		s.Payloads = map[PayloadRef]bool{}
	}
	s.Payloads[p] = enabled
}

var offsetRe = regexp.MustCompile(`^(?i:utc|gmt)?\s*([+-]?)\s*(\d{1,4})(?::(\d{2}))?\s*(?:\{([^}]*)\})?$`)

// ParseOffset accepts "+300", "-360", "UTC-6", "UTC+5:30" and the legacy
// "UTC -6 {CST}" label form. Bare numbers with a UTC prefix or a colon are
// hours, other bare numbers are minutes.
func ParseOffset(raw string) (Offset, error) {
	s := strings.TrimSpace(raw)
	m := offsetRe.FindStringSubmatch(s)
	if m == nil {
		return Offset{}, fmt.Errorf("invalid offset %q", raw)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: %w", raw, err)
	}

	upper := strings.ToUpper(s)
	hours := strings.HasPrefix(upper, "UTC") || strings.HasPrefix(upper, "GMT") || m[3] != ""
	minutes := n
	if hours {
		minutes = n * 60
		if m[3] != "" {
			mm, _ := strconv.Atoi(m[3])
			if mm >= 60 {
				return Offset{}, fmt.Errorf("invalid offset %q: minutes >= 60", raw)
			}
			minutes += mm
		}
	}
	if m[1] == "-" {
		minutes = -minutes
	}
	if minutes < -MaxOffsetMinutes || minutes > MaxOffsetMinutes {
		return Offset{}, fmt.Errorf("offset %q out of range", raw)
	}

	label := FormatOffset(minutes)
	if abbr := strings.TrimSpace(m[4]); abbr != "" {
		label += " (" + abbr + ")"
	}
	return Offset{Minutes: minutes, Label: label}, nil
}
