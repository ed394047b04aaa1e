package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"cheersbot/internal/broadcast"
	"cheersbot/internal/task/scheduler"
	"cheersbot/pkg/tgui"
)

// Engine is the broadcast surface the commands drive. *broadcast.Engine
// satisfies it.
type Engine interface {
	Registry() *broadcast.Registry
	Arbiter() *broadcast.Arbiter
	Directory() broadcast.Directory
	Catalog() broadcast.PayloadCatalog
	Counters() broadcast.Counters
	Boundaries() broadcast.Boundaries
	TriggerManualBroadcast(ctx context.Context, tenant broadcast.TenantID, dest broadcast.DestinationID) (broadcast.PlaybackOutcome, error)
	Forget(ctx context.Context, tenant broadcast.TenantID) error
}

// History reads recorded outcomes. storage.Store satisfies it.
type History interface {
	RecentOutcomes(ctx context.Context, tenant broadcast.TenantID, limit int) ([]broadcast.PlaybackOutcome, error)
}

type Deps struct {
	Engine Engine
	// History is nil when storage is disabled.
	History History
	// Jobs lists housekeeping jobs for operators; nil hides /jobs.
	Jobs    func() []scheduler.Info
	Version string
	Now     func() time.Time
}

const (
	defaultHistory = 10
	maxHistory     = 50

	historyErrRunes = 80
)

// Commands builds the chat command set.
func Commands(d Deps) []Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{d: d}
	cmds := []Command{
		{Route: "start", Description: "register this chat", Handle: h.start},
		{Route: "status", Description: "schedule and voice state", Handle: h.status},
		{Route: "schedule", Description: "turn automatic broadcasts on or off", Usage: "/schedule on|off", Access: AccessAdmin, Audit: true, Handle: h.schedule},
		{Route: "policy", Description: "when broadcasts fire", Usage: "/policy hourly | manual | offsets <UTC+5> [UTC-6 ...]", Access: AccessAdmin, Audit: true, Handle: h.policy},
		{Route: "blacklist", Description: "rooms that are never joined", Usage: "/blacklist [add|remove <room>]", Handle: h.blacklistList},
		{Route: "blacklist add", Description: "never join a room", Usage: "/blacklist add <room>", Access: AccessAdmin, Audit: true, Handle: h.blacklistEdit(true)},
		{Route: "blacklist remove", Aliases: []string{"unblacklist"}, Description: "allow a room again", Usage: "/blacklist remove <room>", Access: AccessAdmin, Audit: true, Handle: h.blacklistEdit(false)},
		{Route: "mode", Description: "which sound plays", Usage: "/mode single <sound> | random", Access: AccessAdmin, Audit: true, Handle: h.mode},
		{Route: "sounds", Description: "available sounds", Usage: "/sounds [toggle <sound>]", Handle: h.sounds},
		{Route: "sounds toggle", Description: "enable or disable a sound for random mode", Usage: "/sounds toggle <sound>", Access: AccessAdmin, Audit: true, Handle: h.soundsToggle},
		{Route: "rooms", Description: "voice rooms and listeners", Handle: h.rooms},
		{Route: "cheers", Description: "broadcast now", Usage: "/cheers [room]", Access: AccessAdmin, Audit: true, Timeout: 7 * time.Minute, Handle: h.cheers},
		{Route: "counters", Aliases: []string{"stats"}, Description: "broadcast counts", Handle: h.counters},
		{Route: "history", Description: "recent broadcasts", Usage: "/history [n]", Handle: h.history},
		{Route: "logthread", Description: "topic that receives notifications", Usage: "/logthread [id|off]", Access: AccessAdmin, Audit: true, Handle: h.logThread},
		{Route: "forget", Description: "delete this chat's settings", Access: AccessAdmin, Audit: true, Handle: h.forget},
	}
	if d.Jobs != nil {
		cmds = append(cmds, Command{Route: "jobs", Description: "housekeeping jobs", Access: AccessOwner, Handle: h.jobs})
	}
	return cmds
}

type handlers struct {
	d Deps
}

func (h *handlers) reg() *broadcast.Registry { return h.d.Engine.Registry() }

// update wraps Registry.Update and turns validation failures into user
// errors.
func (h *handlers) update(ctx context.Context, req *Request, fn func(*broadcast.TenantSchedule) error) (broadcast.TenantSchedule, error) {
	s, err := h.reg().Update(ctx, req.Tenant, fn)
	var se *broadcast.ScheduleError
	if errors.As(err, &se) {
		return s, userErr("invalid setting: %v", se.Err)
	}
	return s, err
}

func (h *handlers) start(ctx context.Context, req *Request) error {
	s, err := h.reg().Ensure(ctx, req.Tenant)
	if err != nil {
		return err
	}
	b := h.d.Engine.Boundaries()
	return req.Reply(ctx, fmt.Sprintf(
		"Cheers bot is set up for this chat.\nEvery hour it joins the busiest voice room at :%02d and plays %s at :%02d.\nSchedule: %s, policy: %s.\nSend /help for commands.",
		b.JoinMinute, s.DefaultPayload, b.PlayMinute, onOff(s.Enabled), s.Policy))
}

func (h *handlers) status(ctx context.Context, req *Request) error {
	s, err := h.reg().Ensure(ctx, req.Tenant)
	if err != nil {
		return err
	}
	now := h.d.Now().UTC()
	lines := []tgui.H{
		tgui.B("Status") + versionSuffix(h.d.Version),
		"Schedule: " + tgui.Esc(onOff(s.Enabled)),
		"Policy: " + tgui.Esc(s.Policy.String()),
		"Sound: " + tgui.Esc(describeMode(s)),
		tgui.Esc(fmt.Sprintf("Blacklist: %d room(s)", len(s.Blacklist))),
		"Voice: " + tgui.Esc(h.d.Engine.Arbiter().State(req.Tenant).String()),
		"Log thread: " + tgui.Esc(threadLabel(s.LogThreadID)),
	}
	if s.Enabled {
		if next, ok := NextJoin(now, s.Policy, h.d.Engine.Boundaries()); ok {
			lines = append(lines, tgui.Esc(fmt.Sprintf("Next join: %s (in %s)", next.Format("15:04 MST"), next.Sub(now).Round(time.Minute))))
		}
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...).String())
}

// NextJoin is the earliest join boundary after now across the policy's
// frames.
func NextJoin(now time.Time, p broadcast.Policy, b broadcast.Boundaries) (time.Time, bool) {
	var best time.Time
	for _, frame := range p.Frames() {
		t := broadcast.InOffset(now, frame)
		c := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), b.JoinMinute, 0, 0, t.Location())
		if !c.After(t) {
			c = c.Add(time.Hour)
		}
		if best.IsZero() || c.Before(best) {
			best = c
		}
	}
	return best.UTC(), !best.IsZero()
}

func (h *handlers) schedule(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		s, err := h.reg().Ensure(ctx, req.Tenant)
		if err != nil {
			return err
		}
		return req.Reply(ctx, "Schedule is "+onOff(s.Enabled)+". Usage: /schedule on|off")
	}
	var on bool
	switch strings.ToLower(req.Args[0]) {
	case "on", "enable", "start":
		on = true
	case "off", "disable", "stop":
	default:
		return userErr("usage: /schedule on|off")
	}
	if _, err := h.update(ctx, req, func(s *broadcast.TenantSchedule) error {
		s.Enabled = on
		return nil
	}); err != nil {
		return err
	}
	return req.Reply(ctx, "Automatic broadcasts "+onOff(on)+".")
}

func (h *handlers) policy(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		s, err := h.reg().Ensure(ctx, req.Tenant)
		if err != nil {
			return err
		}
		return req.Reply(ctx, "Policy: "+s.Policy.String())
	}
	var p broadcast.Policy
	switch strings.ToLower(req.Args[0]) {
	case "hourly":
		p = broadcast.Hourly()
	case "manual":
		p = broadcast.Manual()
	case "offsets", "offset":
		if len(req.Args) < 2 {
			return userErr("usage: /policy offsets <UTC+5> [UTC-6 ...]")
		}
		offs := make([]broadcast.Offset, 0, len(req.Args)-1)
		for _, raw := range req.Args[1:] {
			o, err := broadcast.ParseOffset(raw)
			if err != nil {
				return userErr("%v", err)
			}
			offs = append(offs, o)
		}
		p = broadcast.FixedOffsets(offs...)
	default:
		return userErr("usage: /policy hourly | manual | offsets <UTC+5> [UTC-6 ...]")
	}
	if _, err := h.update(ctx, req, func(s *broadcast.TenantSchedule) error {
		s.Policy = p
		return nil
	}); err != nil {
		return err
	}
	return req.Reply(ctx, "Policy set to "+p.String()+".")
}

func (h *handlers) blacklistList(ctx context.Context, req *Request) error {
	s, err := h.reg().Ensure(ctx, req.Tenant)
	if err != nil {
		return err
	}
	if len(s.Blacklist) == 0 {
		return req.Reply(ctx, "No rooms are blacklisted.")
	}
	lines := []string{"Blacklisted rooms:"}
	for _, d := range s.Blacklist {
		lines = append(lines, "- "+string(d))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) blacklistEdit(add bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			return userErr("usage: /%s <room>", req.Command)
		}
		dest := broadcast.DestinationID(req.Args[0])
		changed := false
		if _, err := h.update(ctx, req, func(s *broadcast.TenantSchedule) error {
			if add {
				changed = s.AddBlacklist(dest)
			} else {
				changed = s.RemoveBlacklist(dest)
			}
			return nil
		}); err != nil {
			return err
		}
		switch {
		case add && changed:
			return req.Reply(ctx, "Room "+string(dest)+" will not be joined.")
		case add:
			return req.Reply(ctx, "Room "+string(dest)+" is already blacklisted.")
		case changed:
			return req.Reply(ctx, "Room "+string(dest)+" can be joined again.")
		default:
			return req.Reply(ctx, "Room "+string(dest)+" was not blacklisted.")
		}
	}
}

func (h *handlers) available(ctx context.Context) ([]broadcast.PayloadRef, error) {
	refs, err := h.d.Engine.Catalog().ListAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sounds: %w", err)
	}
	return refs, nil
}

func (h *handlers) mode(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		s, err := h.reg().Ensure(ctx, req.Tenant)
		if err != nil {
			return err
		}
		return req.Reply(ctx, "Sound: "+describeMode(s)+". Usage: /mode single <sound> | random")
	}
	avail, err := h.available(ctx)
	if err != nil {
		return err
	}
	switch strings.ToLower(req.Args[0]) {
	case "single":
		if len(req.Args) != 2 {
			return userErr("usage: /mode single <sound>")
		}
		p := broadcast.PayloadRef(req.Args[1])
		if !slices.Contains(avail, p) {
			return userErr("unknown sound %q, see /sounds", p)
		}
		if _, err := h.update(ctx, req, func(s *broadcast.TenantSchedule) error {
			s.Mode, s.DefaultPayload = broadcast.ModeSingle, p
			return nil
		}); err != nil {
			return err
		}
		return req.Reply(ctx, "Every broadcast now plays "+string(p)+".")
	case "random":
		var enabled int
		if _, err := h.update(ctx, req, func(s *broadcast.TenantSchedule) error {
			s.Mode = broadcast.ModeRandom
			for _, p := range avail {
				if _, set := s.Payloads[p]; !set {
					s.SetPayload(p, true)
				}
				if s.PayloadEnabled(p) {
					enabled++
				}
			}
			return nil
		}); err != nil {
			return err
		}
		return req.Reply(ctx, fmt.Sprintf("Broadcasts now pick one of %d enabled sounds at random.", enabled))
	default:
		return userErr("usage: /mode single <sound> | random")
	}
}

func (h *handlers) sounds(ctx context.Context, req *Request) error {
	s, err := h.reg().Ensure(ctx, req.Tenant)
	if err != nil {
		return err
	}
	avail, err := h.available(ctx)
	if err != nil {
		return err
	}
	if len(avail) == 0 {
		return req.Reply(ctx, "No sounds are installed.")
	}
	lines := []string{"Sounds (" + describeMode(s) + "):"}
	for _, p := range avail {
		mark := "on "
		if !s.PayloadEnabled(p) {
			mark = "off"
		}
		line := "[" + mark + "] " + string(p)
		if p == s.DefaultPayload {
			line += " (default)"
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) soundsToggle(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return userErr("usage: /sounds toggle <sound>")
	}
	avail, err := h.available(ctx)
	if err != nil {
		return err
	}
	p := broadcast.PayloadRef(req.Args[0])
	if !slices.Contains(avail, p) {
		return userErr("unknown sound %q, see /sounds", p)
	}
	var on bool
	if _, err := h.update(ctx, req, func(s *broadcast.TenantSchedule) error {
		on = !s.PayloadEnabled(p)
		s.SetPayload(p, on)
		return nil
	}); err != nil {
		return err
	}
	return req.Reply(ctx, string(p)+" is now "+onOff(on)+".")
}

func (h *handlers) rooms(ctx context.Context, req *Request) error {
	s, err := h.reg().Ensure(ctx, req.Tenant)
	if err != nil {
		return err
	}
	cands, err := h.d.Engine.Directory().Candidates(ctx, req.Tenant)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if len(cands) == 0 {
		return req.Reply(ctx, "No voice rooms found.")
	}
	pick, hasPick := broadcast.SelectDestination(s, cands)
	lines := []string{"Voice rooms:"}
	for _, c := range cands {
		line := fmt.Sprintf("- %s: %d listener(s)", c.Destination, c.Occupants)
		switch {
		case s.Blacklisted(c.Destination):
			line += " [blacklisted]"
		case hasPick && c.Destination == pick:
			line += " [next pick]"
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) cheers(ctx context.Context, req *Request) error {
	var dest broadcast.DestinationID
	if len(req.Args) > 0 {
		dest = broadcast.DestinationID(req.Args[0])
		_ = req.Reply(ctx, "Joining "+string(dest)+"...")
	}

	o, err := h.d.Engine.TriggerManualBroadcast(ctx, req.Tenant, dest)
	if errors.Is(err, broadcast.ErrBusy) {
		return userErr("a broadcast is already running for this chat")
	}
	if err != nil {
		return err
	}
	switch o.Result {
	case broadcast.ResultSuccess:
		return req.Reply(ctx, fmt.Sprintf("Played %s in %s.", o.Payload, o.Destination))
	case broadcast.ResultNoEligibleDestination:
		return req.Reply(ctx, "No room has listeners; name one with /cheers <room>.")
	case broadcast.ResultConnectFailed:
		if o.Destination == "" {
			return req.Reply(ctx, "Could not list rooms: "+o.Error)
		}
		return req.Reply(ctx, fmt.Sprintf("Could not join %s: %s", o.Destination, o.Error))
	default:
		return req.Reply(ctx, fmt.Sprintf("Broadcast in %s ended with %s: %s", o.Destination, o.Result, o.Error))
	}
}

func (h *handlers) counters(ctx context.Context, req *Request) error {
	c := h.d.Engine.Counters()
	lines := []string{
		fmt.Sprintf("This chat: %d broadcast(s)", c.PerTenant[req.Tenant]),
		fmt.Sprintf("All chats: %d automatic, %d manual", c.GlobalAuto, c.GlobalManual),
	}
	type kv struct {
		k string
		v uint64
	}
	var top []kv
	for p, n := range c.PerPayload {
		top = append(top, kv{string(p), n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].v != top[j].v {
			return top[i].v > top[j].v
		}
		return top[i].k < top[j].k
	})
	if len(top) > 0 {
		lines = append(lines, "Top sounds:")
		for _, e := range top[:min(5, len(top))] {
			lines = append(lines, fmt.Sprintf("- %s: %d", e.k, e.v))
		}
	}
	if c.Starvation > 0 {
		lines = append(lines, fmt.Sprintf("Stale leases released: %d", c.Starvation))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) history(ctx context.Context, req *Request) error {
	if h.d.History == nil {
		return userErr("history is not available: storage is disabled")
	}
	n := defaultHistory
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return userErr("usage: /history [n]")
		}
		n = min(v, maxHistory)
	}
	list, err := h.d.History.RecentOutcomes(ctx, req.Tenant, n)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(list) == 0 {
		return req.Reply(ctx, "No broadcasts recorded yet.")
	}
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, "Recent broadcasts:")
	for _, o := range list {
		line := fmt.Sprintf("%s %s %s", o.At.UTC().Format("01-02 15:04"), o.Trigger, o.Result)
		if o.Destination != "" {
			line += " in " + string(o.Destination)
		}
		if o.Payload != "" {
			line += " (" + string(o.Payload) + ")"
		}
		if o.Error != "" {
			line += ": " + tgui.TruncRunes(o.Error, historyErrRunes)
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) logThread(ctx context.Context, req *Request) error {
	thread := req.Msg.ThreadID
	if len(req.Args) > 0 {
		switch a := strings.ToLower(req.Args[0]); a {
		case "off", "main", "0":
			thread = 0
		default:
			v, err := strconv.Atoi(a)
			if err != nil || v < 0 {
				return userErr("usage: /logthread [id|off]")
			}
			thread = v
		}
	}
	if _, err := h.update(ctx, req, func(s *broadcast.TenantSchedule) error {
		s.LogThreadID = thread
		return nil
	}); err != nil {
		return err
	}
	return req.Reply(ctx, "Notifications go to "+threadLabel(thread)+".")
}

func (h *handlers) forget(ctx context.Context, req *Request) error {
	if err := h.d.Engine.Forget(ctx, req.Tenant); err != nil {
		return err
	}
	return req.Reply(ctx, "Settings for this chat were deleted. Send /start to begin again.")
}

func (h *handlers) jobs(ctx context.Context, req *Request) error {
	infos := h.d.Jobs()
	if len(infos) == 0 {
		return req.Reply(ctx, "No housekeeping jobs.")
	}
	lines := []string{"Jobs:"}
	for _, j := range infos {
		line := fmt.Sprintf("- %s [%s] runs=%d failed=%d skipped=%d", j.Name, j.Spec, j.Runs, j.Failures, j.Skipped)
		if !j.Next.IsZero() {
			line += " next=" + j.Next.UTC().Format("15:04:05")
		}
		if j.LastErr != "" {
			line += " last_err=" + j.LastErr
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func describeMode(s broadcast.TenantSchedule) string {
	if s.Mode == broadcast.ModeRandom {
		return "random"
	}
	return "single " + string(s.DefaultPayload)
}

func threadLabel(id int) string {
	if id == 0 {
		return "the main chat"
	}
	return "thread " + strconv.Itoa(id)
}

func versionSuffix(v string) tgui.H {
	if v == "" {
		return ""
	}
	return " " + tgui.Code(v)
}
