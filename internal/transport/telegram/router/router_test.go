package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cheersbot/internal/broadcast"
	"cheersbot/internal/storage"
	kit "cheersbot/internal/transport"
	logx "cheersbot/pkg/logx"
)

const (
	chatID  int64 = -100
	adminID int64 = 42
	userID  int64 = 7
	ownerID int64 = 1
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu     sync.Mutex
	sent   []sent
	admins map[int64]bool
	menu   []kit.BotCommand
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Message) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                      { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sent{to, text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) IsChatAdmin(_ context.Context, _, user int64) (bool, error) {
	return a.admins[user], nil
}

func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.menu = cmds
	return nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1].text
}

type fakeDir struct{ cands []broadcast.Candidate }

func (d fakeDir) Candidates(context.Context, broadcast.TenantID) ([]broadcast.Candidate, error) {
	return d.cands, nil
}

type fakeTransport struct {
	mu    sync.Mutex
	joins []broadcast.DestinationID
}

func (f *fakeTransport) Connect(_ context.Context, _ broadcast.TenantID, d broadcast.DestinationID) (broadcast.Connection, error) {
	f.mu.Lock()
	f.joins = append(f.joins, d)
	f.mu.Unlock()
	if d == "broken" {
		return nil, errors.New("permission denied")
	}
	return fakeConn{}, nil
}

type fakeConn struct{}

func (fakeConn) Play(context.Context, broadcast.PayloadRef) error { return nil }
func (fakeConn) Disconnect(context.Context) error                 { return nil }

type fakeCatalog []broadcast.PayloadRef

func (c fakeCatalog) ListAvailable(context.Context) ([]broadcast.PayloadRef, error) { return c, nil }

type memAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (m *memAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

type memHistory struct {
	list []broadcast.PlaybackOutcome
	last int
}

func (m *memHistory) RecentOutcomes(_ context.Context, _ broadcast.TenantID, n int) ([]broadcast.PlaybackOutcome, error) {
	m.last = n
	return m.list[:min(n, len(m.list))], nil
}

type fixture struct {
	r       *Router
	ad      *fakeAdapter
	eng     *broadcast.Engine
	tr      *fakeTransport
	audit   *memAudit
	history *memHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logx.Nop()
	reg := broadcast.NewRegistry(nil, broadcast.SystemClock{}, "Cheers_Bitch", log)
	tr := &fakeTransport{}
	eng, err := broadcast.NewEngine(broadcast.Options{}, broadcast.Deps{
		Log:       log,
		Registry:  reg,
		Directory: fakeDir{cands: []broadcast.Candidate{{Destination: "lobby", Occupants: 1}, {Destination: "stage", Occupants: 4}}},
		Transport: tr,
		Catalog:   fakeCatalog{"Cheers_Bitch", "Skol"},
	})
	if err != nil {
		t.Fatalf("NewEngine error = %v", err)
	}
	ad := &fakeAdapter{admins: map[int64]bool{adminID: true}}
	audit := &memAudit{}
	hist := &memHistory{}
	r := New(Config{Owners: []int64{ownerID}}, ad, audit, log)
	r.Register(Commands(Deps{Engine: eng, History: hist, Version: "test"}))
	return &fixture{r: r, ad: ad, eng: eng, tr: tr, audit: audit, history: hist}
}

func (f *fixture) send(from int64, text string) string {
	f.r.Handle(context.Background(), kit.Message{ChatID: chatID, FromID: from, Text: text, IsGroup: true})
	return f.ad.last()
}

func (f *fixture) schedule(t *testing.T) broadcast.TenantSchedule {
	t.Helper()
	s, ok := f.eng.Registry().Get(TenantOf(chatID))
	if !ok {
		t.Fatalf("tenant not registered")
	}
	return s
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		`/policy offsets +0 UTC+5`:      {"/policy", "offsets", "+0", "UTC+5"},
		`/policy offsets "UTC -6 {CST}"`: {"/policy", "offsets", "UTC -6 {CST}"},
		`/a 'b c' d\ e`:                  {"/a", "b c", "d e"},
		`  `:                             nil,
		`/x ""`:                          {"/x", ""},
	}
	for in, want := range tests {
		got := tokenize(in)
		if strings.Join(got, "|") != strings.Join(want, "|") || len(got) != len(want) {
			t.Fatalf("tokenize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags := parseFlags([]string{"offsets", "-360", "--label=CST", "--dry", "+5", "--n", "3"})
	if strings.Join(pos, ",") != "offsets,-360" {
		t.Fatalf("pos = %q", pos)
	}
	if flags["label"] != "CST" || flags["dry"] != "+5" || flags["n"] != "3" {
		t.Fatalf("flags = %v", flags)
	}
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"blacklist add": "blacklist_add",
		"Sounds-Toggle": "sounds_toggle",
		"9lives":        "cmd_9lives",
		"??":            "",
	}
	for in, want := range tests {
		if got := sanitizeCommand(in); got != want {
			t.Fatalf("sanitizeCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScheduleAndPolicy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if got := f.send(userID, "/schedule off"); !strings.Contains(got, "administrators") {
		t.Fatalf("non-admin reply = %q, want denial", got)
	}
	if got := f.send(adminID, "/schedule off"); !strings.Contains(got, "off") {
		t.Fatalf("reply = %q", got)
	}
	if f.schedule(t).Enabled {
		t.Fatalf("schedule still enabled")
	}

	f.send(adminID, `/policy offsets +0 "UTC -6 {CST}"`)
	p := f.schedule(t).Policy
	if p.Kind != broadcast.PolicyFixedOffsets || len(p.Offsets) != 2 || p.Offsets[1].Minutes != -360 || p.Offsets[1].Label != "UTC-6 (CST)" {
		t.Fatalf("policy = %+v", p)
	}
	if got := f.send(adminID, "/policy offsets UTC+99"); !strings.Contains(got, "out of range") {
		t.Fatalf("bad offset reply = %q", got)
	}
	if got := f.send(ownerID, "/policy manual"); !strings.Contains(got, "manual") {
		t.Fatalf("owner reply = %q", got)
	}
}

func TestBlacklist(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(adminID, "/blacklist add stage")
	f.send(adminID, "/blacklist_add lobby")
	if got := f.schedule(t).Blacklist; len(got) != 2 || got[0] != "lobby" || got[1] != "stage" {
		t.Fatalf("blacklist = %v", got)
	}
	if got := f.send(userID, "/blacklist"); !strings.Contains(got, "- lobby\n- stage") {
		t.Fatalf("list = %q", got)
	}
	f.send(adminID, "/unblacklist stage")
	if got := f.schedule(t).Blacklist; len(got) != 1 {
		t.Fatalf("blacklist after remove = %v", got)
	}
	if got := f.send(userID, "/rooms"); !strings.Contains(got, "lobby: 1 listener(s) [blacklisted]") || !strings.Contains(got, "stage: 4 listener(s) [next pick]") {
		t.Fatalf("rooms = %q", got)
	}
}

func TestModeAndSounds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if got := f.send(adminID, "/mode single Nope"); !strings.Contains(got, "unknown sound") {
		t.Fatalf("reply = %q", got)
	}
	f.send(adminID, "/mode single Skol")
	if s := f.schedule(t); s.Mode != broadcast.ModeSingle || s.DefaultPayload != "Skol" {
		t.Fatalf("schedule = %+v", s)
	}
	f.send(adminID, "/sounds toggle Cheers_Bitch")
	f.send(adminID, "/mode random")
	s := f.schedule(t)
	if s.Mode != broadcast.ModeRandom || s.PayloadEnabled("Cheers_Bitch") || !s.PayloadEnabled("Skol") {
		t.Fatalf("schedule = %+v", s)
	}
	if got := f.send(userID, "/sounds"); !strings.Contains(got, "[off] Cheers_Bitch") || !strings.Contains(got, "[on ] Skol (default)") {
		t.Fatalf("sounds = %q", got)
	}
}

func TestCheers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if got := f.send(adminID, "/cheers"); !strings.Contains(got, "Played Cheers_Bitch in stage") {
		t.Fatalf("reply = %q", got)
	}
	if got := f.send(adminID, "/cheers broken"); !strings.Contains(got, "Could not join broken") {
		t.Fatalf("reply = %q", got)
	}
	c := f.eng.Counters()
	if c.GlobalManual != 2 || c.PerTenant[TenantOf(chatID)] != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if got := f.send(userID, "/counters"); !strings.Contains(got, "This chat: 1 broadcast(s)") {
		t.Fatalf("counters reply = %q", got)
	}
}

func TestCheersWithoutEligibleRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(adminID, "/blacklist add stage")
	f.send(adminID, "/blacklist add lobby")
	if got := f.send(adminID, "/cheers"); !strings.Contains(got, "No room has listeners") {
		t.Fatalf("reply = %q", got)
	}
	c := f.eng.Counters()
	if c.PerResult[broadcast.ResultNoEligibleDestination] != 1 || c.GlobalManual != 1 {
		t.Fatalf("counters = %+v, want one manual no_eligible_destination", c)
	}
	f.tr.mu.Lock()
	joins := len(f.tr.joins)
	f.tr.mu.Unlock()
	if joins != 0 {
		t.Fatalf("joins = %d, want none", joins)
	}
}

func TestCheersBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	lease, err := f.eng.Arbiter().Acquire(TenantOf(chatID), broadcast.TriggerAuto)
	if err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	defer lease.Release()
	if got := f.send(adminID, "/cheers stage"); !strings.Contains(got, "already running") {
		t.Fatalf("reply = %q", got)
	}
}

func TestAuditTrail(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(adminID, "/blacklist add stage")
	f.send(adminID, "/policy offsets nonsense")
	f.send(userID, "/forget")
	f.send(userID, "/status")

	if len(f.audit.entries) != 2 {
		t.Fatalf("audit entries = %+v, want 2", f.audit.entries)
	}
	ok, bad := f.audit.entries[0], f.audit.entries[1]
	if ok.Command != "blacklist add" || ok.Args != "stage" || !ok.OK || ok.ActorID != adminID || ok.Tenant != "-100" {
		t.Fatalf("first entry = %+v", ok)
	}
	if bad.OK || bad.Error == "" {
		t.Fatalf("failed entry = %+v", bad)
	}
}

func TestHistoryAndLogThread(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	at := time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC)
	f.history.list = []broadcast.PlaybackOutcome{
		{Result: broadcast.ResultSuccess, Trigger: broadcast.TriggerAuto, Destination: "stage", Payload: "Skol", At: at},
	}
	if got := f.send(userID, "/history 500"); !strings.Contains(got, "03-01 10:20 auto success in stage (Skol)") {
		t.Fatalf("history = %q", got)
	}
	if f.history.last != maxHistory {
		t.Fatalf("history limit = %d, want %d", f.history.last, maxHistory)
	}

	f.r.Handle(context.Background(), kit.Message{ChatID: chatID, ThreadID: 55, FromID: adminID, Text: "/logthread", IsGroup: true})
	if got := f.schedule(t).LogThreadID; got != 55 {
		t.Fatalf("LogThreadID = %d, want 55", got)
	}
	f.send(adminID, "/logthread off")
	if got := f.schedule(t).LogThreadID; got != 0 {
		t.Fatalf("LogThreadID = %d, want 0", got)
	}
}

func TestForget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(userID, "/start")
	f.send(adminID, "/forget")
	if _, ok := f.eng.Registry().Get(TenantOf(chatID)); ok {
		t.Fatalf("tenant still registered after /forget")
	}
}

func TestBotRemovedForgetsTenant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.r.OnBotRemoved(f.eng.Forget)
	f.send(userID, "/start")
	before := len(f.ad.sent)

	f.r.Handle(context.Background(), kit.Message{Kind: kit.KindBotRemoved, ChatID: chatID, FromID: adminID, IsGroup: true})
	if _, ok := f.eng.Registry().Get(TenantOf(chatID)); ok {
		t.Fatalf("tenant still registered after the bot was removed")
	}
	if len(f.ad.sent) != before {
		t.Fatalf("replied to a chat the bot left: %q", f.ad.last())
	}
	if n := len(f.audit.entries); n != 1 || f.audit.entries[0].Command != "bot removed" || !f.audit.entries[0].OK {
		t.Fatalf("audit entries = %+v, want one bot removed entry", f.audit.entries)
	}
	if evs := f.eng.Trigger().Tick(time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)); len(evs) != 0 {
		t.Fatalf("removed tenant still fires: %+v", evs)
	}
}

func TestBotRemovedWithoutHook(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(userID, "/start")
	f.r.Handle(context.Background(), kit.Message{Kind: kit.KindBotRemoved, ChatID: chatID, IsGroup: true})
	if _, ok := f.eng.Registry().Get(TenantOf(chatID)); !ok {
		t.Fatalf("tenant removed without a hook")
	}
}

func TestUnknownAndHelp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	before := len(f.ad.sent)
	f.send(userID, "/otherbot_cmd")
	if len(f.ad.sent) != before {
		t.Fatalf("unknown group command should be ignored")
	}
	f.r.Handle(context.Background(), kit.Message{ChatID: userID, FromID: userID, Text: "/nope"})
	if got := f.ad.last(); !strings.Contains(got, "unknown command") {
		t.Fatalf("private unknown reply = %q", got)
	}
	if got := f.send(userID, "/help@cheersbot"); !strings.Contains(got, "/cheers") || !strings.Contains(got, "/blacklist") {
		t.Fatalf("help = %q", got)
	}
	if got := f.send(userID, "/help blacklist add"); !strings.Contains(got, "Usage: <code>/blacklist add &lt;room&gt;</code>") {
		t.Fatalf("help blacklist add = %q", got)
	}
	n := len(f.ad.sent)
	f.send(userID, "/jobs")
	if len(f.ad.sent) != n {
		t.Fatalf("/jobs without a scheduler should not be registered")
	}
}

func TestPublishMenu(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.r.PublishMenu(context.Background()); err != nil {
		t.Fatalf("PublishMenu error = %v", err)
	}
	names := map[string]string{}
	for _, c := range f.ad.menu {
		names[c.Command] = c.Description
	}
	if _, ok := names["blacklist_add"]; !ok {
		t.Fatalf("menu missing blacklist_add: %v", names)
	}
	if !strings.HasPrefix(names["cheers"], "[admin]") || strings.HasPrefix(names["status"], "[admin]") {
		t.Fatalf("menu access markers wrong: %v", names)
	}
}

func TestNextJoin(t *testing.T) {
	t.Parallel()

	b := broadcast.DefaultBoundaries
	now := time.Date(2026, 3, 1, 10, 16, 0, 0, time.UTC)
	tests := []struct {
		name   string
		policy broadcast.Policy
		want   time.Time
		ok     bool
	}{
		{"hourly", broadcast.Hourly(), time.Date(2026, 3, 1, 11, 15, 0, 0, time.UTC), true},
		{"half hour frame", broadcast.FixedOffsets(broadcast.Offset{Minutes: 330}), time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC), true},
		{"manual", broadcast.Manual(), time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NextJoin(now, tt.policy, b)
			if ok != tt.ok || !got.Equal(tt.want) {
				t.Fatalf("NextJoin = %v, %v, want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRun_DispatchesToWorkers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Message)
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx, updates) }()

	updates <- kit.Message{ChatID: chatID, FromID: userID, Text: "/status", IsGroup: true}
	deadline := time.After(5 * time.Second)
	for !strings.Contains(f.ad.last(), "Status") {
		select {
		case <-deadline:
			t.Fatalf("no status reply")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run error = %v", err)
	}
}
