// Package adapter connects the bot to Telegram through telebot.
package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "cheersbot/internal/runtime/supervisor"
	kit "cheersbot/internal/transport"
	logx "cheersbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AdminCacheTTL bounds how long a chat's administrator list is reused.
	AdminCacheTTL time.Duration
}

var errPollerExited = errors.New("telegram poller exited")

// api is the part of *tele.Bot the adapter uses.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	AdminsOf(chat *tele.Chat) ([]tele.ChatMember, error)
	SetCommands(opts ...interface{}) error
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	api api

	out     atomic.Value // chan<- kit.Message
	dropped atomic.Uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	admins *adminCache

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, b, log)
	a.bot = b
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.deliver(toMessage(m))
		}
		return nil
	})
	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		if m, ok := toRemoval(c.ChatMember()); ok {
			a.log.Info("bot removed from chat", logx.Int64("chat", m.ChatID))
			a.deliverWait(m, removalWait)
		}
		return nil
	})
	return a, nil
}

// removalWait bounds how long a membership update may wait for queue space.
// Dropping one would leave a dead tenant scheduled.
const removalWait = 5 * time.Second

func newAdapter(cfg Config, b api, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = time.Minute
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.Comp("telegram")), api: b, admins: newAdminCache(cfg.AdminCacheTTL)}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	return a
}

func toMessage(m *tele.Message) kit.Message {
	msg := kit.Message{ID: m.ID, ThreadID: m.ThreadID, Text: m.Text}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.IsGroup = m.Chat.Type != tele.ChatPrivate
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return msg
}

// toRemoval maps a my_chat_member update that ends the bot's membership.
func toRemoval(u *tele.ChatMemberUpdate) (kit.Message, bool) {
	if u == nil || u.Chat == nil || u.NewChatMember == nil {
		return kit.Message{}, false
	}
	switch u.NewChatMember.Role {
	case tele.Left, tele.Kicked:
	default:
		return kit.Message{}, false
	}
	m := kit.Message{Kind: kit.KindBotRemoved, ChatID: u.Chat.ID, IsGroup: u.Chat.Type != tele.ChatPrivate}
	if u.Sender != nil {
		m.FromID = u.Sender.ID
		m.FromUsername = u.Sender.Username
	}
	return m, true
}

func (a *Adapter) deliverWait(m kit.Message, d time.Duration) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case out <- m:
	case <-t.C:
		a.dropped.Add(1)
		a.log.Error("membership update dropped (channel full)", logx.Int64("chat", m.ChatID))
	}
}

// deliver never blocks the poll loop; overflow is counted and reported.
func (a *Adapter) deliver(m kit.Message) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(out)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})

	if a.bot == nil {
		return nil
	}
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if c.Err() != nil {
			return nil
		}
		return errPollerExited
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithPublishFirstError(true))
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown for long on the Telegram long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	a.log.Info("polling stopped")
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.api.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 && msg != nil {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// IsChatAdmin treats a private chat as administered by its only user.
func (a *Adapter) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if chatID == userID {
		return true, nil
	}
	if ids, ok := a.admins.get(chatID); ok {
		_, found := ids[userID]
		return found, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	members, err := a.api.AdminsOf(&tele.Chat{ID: chatID})
	if err != nil {
		return false, err
	}
	ids := make(map[int64]struct{}, len(members))
	for _, m := range members {
		if m.User != nil {
			ids[m.User.ID] = struct{}{}
		}
	}
	a.admins.put(chatID, ids)
	_, found := ids[userID]
	return found, nil
}

// UpdateMenuCommands publishes the command menu, skipping the call when the
// list is unchanged.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: d})
		if len(list) == 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.api.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

type adminCache struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[int64]adminEntry
}

type adminEntry struct {
	ids map[int64]struct{}
	at  time.Time
}

func newAdminCache(ttl time.Duration) *adminCache {
	return &adminCache{ttl: ttl, now: time.Now, m: map[int64]adminEntry{}}
}

func (c *adminCache) get(chat int64) (map[int64]struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[chat]
	if !ok || c.now().Sub(e.at) > c.ttl {
		return nil, false
	}
	return e.ids, true
}

func (c *adminCache) put(chat int64, ids map[int64]struct{}) {
	c.mu.Lock()
	c.m[chat] = adminEntry{ids: ids, at: c.now()}
	c.mu.Unlock()
}
