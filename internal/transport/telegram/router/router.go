// Package router parses chat commands and runs them on a bounded worker
// pool with access control, timeouts and an audit trail.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"cheersbot/internal/broadcast"
	rtsup "cheersbot/internal/runtime/supervisor"
	"cheersbot/internal/storage"
	kit "cheersbot/internal/transport"
	logx "cheersbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAdmin admits chat administrators and owners.
	AccessAdmin
	// AccessOwner admits bot operators only.
	AccessOwner
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is a space separated path, e.g. "blacklist add".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Audit records the call in the store's audit log.
	Audit   bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	Tenant  broadcast.TenantID
	Path    []string
	Command string
	Args    []string
	Flags   map[string]string
	ReqID   string
	Log     logx.Logger

	adapter kit.Adapter
}

// Reply sends plain text to the chat and thread the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends text in HTML parse mode; callers escape user input.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

// Auditor stores audit entries. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	Owners         []int64
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	audit   Auditor
	cfg     Config

	mu     sync.RWMutex
	root   *node
	alias  map[string]*node
	menu   []kit.BotCommand
	owners []int64

	onRemoved func(ctx context.Context, tenant broadcast.TenantID) error

	jobs chan func(context.Context)
}

func New(cfg Config, adapter kit.Adapter, audit Auditor, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &Router{
		log:     log.With(logx.Comp("router")),
		adapter: adapter,
		audit:   audit,
		cfg:     cfg,
		root:    newTree(),
		alias:   map[string]*node{},
		owners:  slices.Clone(cfg.Owners),
		jobs:    make(chan func(context.Context), cfg.QueueSize),
	}
}

// SetOwners replaces the operator list; safe during hot reload.
func (r *Router) SetOwners(ids []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(ids)
	r.mu.Unlock()
}

// OnBotRemoved sets the hook run when the bot leaves or is removed from a
// chat. Without one those updates are ignored.
func (r *Router) OnBotRemoved(fn func(ctx context.Context, tenant broadcast.TenantID) error) {
	r.mu.Lock()
	r.onRemoved = fn
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Register replaces the command set. A /help command is always added.
func (r *Router) Register(cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText(req.Args))
		},
	})

	root, alias := newTree(), map[string]*node{}
	var leaves []Command
	for _, c := range cmds {
		route := splitRoute(strings.ToLower(c.Route))
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		leaves = append(leaves, c)
		// "blacklist add" is also reachable as /blacklist_add from the menu.
		if len(route) > 1 {
			if name := sanitizeCommand(strings.Join(route, "_")); name != "" {
				alias[name] = leaf
			}
		}
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				alias[a] = leaf
			}
		}
	}

	menu := buildMenu(root, leaves)
	r.mu.Lock()
	r.root, r.alias, r.menu = root, alias, menu
	r.mu.Unlock()
}

// PublishMenu pushes the command menu when the adapter supports it.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	menu := r.menu
	r.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// Run consumes messages until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Message) error {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.cfg.Workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(c, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-updates:
			if !ok {
				return nil
			}
			job, ok := r.prepare(ctx, m)
			if !ok {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				if m.Kind == kit.KindBotRemoved {
					// The chat is gone, nobody can retry this.
					r.runJob(ctx, job)
					continue
				}
				_, _ = r.adapter.SendText(ctx, target(m), "busy, try again in a moment", nil)
			}
		}
	}
}

func (r *Router) runJob(ctx context.Context, job func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	job(ctx)
}

// Handle routes one message synchronously.
func (r *Router) Handle(ctx context.Context, m kit.Message) {
	if job, ok := r.prepare(ctx, m); ok {
		r.runJob(ctx, job)
	}
}

// prepare does the cheap parsing on the dispatch goroutine and returns the
// work that may block (admin lookups, handlers).
func (r *Router) prepare(ctx context.Context, m kit.Message) (func(context.Context), bool) {
	if m.Kind == kit.KindBotRemoved {
		return r.removal(m)
	}
	toks := tokenize(m.Text)
	if len(toks) == 0 {
		return nil, false
	}
	word, ok := commandWord(toks[0])
	if !ok {
		return nil, false
	}
	args := toks[1:]

	r.mu.RLock()
	root, alias := r.root, r.alias
	r.mu.RUnlock()

	var (
		cur  *node
		path []string
	)
	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		cur, path = leaf, splitRoute(strings.ToLower(leaf.cmd.Route))
	} else if top, ok := root.child(word); ok {
		var sub []string
		cur, sub, args = top.walk(args)
		path = append([]string{word}, sub...)
	} else {
		if m.IsGroup {
			// Other bots' commands in a group are not ours to answer.
			return nil, false
		}
		_, _ = r.adapter.SendText(ctx, target(m), "unknown command, try /help", nil)
		return nil, false
	}

	if cur.cmd == nil {
		return func(c context.Context) {
			_, _ = r.adapter.SendText(c, target(m), r.helpText(path), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		}, true
	}

	cmd := *cur.cmd
	pos, flags := parseFlags(args)
	rid := newReqID()
	req := &Request{
		Msg:     m,
		Chat:    target(m),
		Tenant:  TenantOf(m.ChatID),
		Path:    path,
		Command: strings.Join(path, " "),
		Args:    pos,
		Flags:   flags,
		ReqID:   rid,
		adapter: r.adapter,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Tenant(string(TenantOf(m.ChatID))),
			logx.Int64("from_id", m.FromID),
			logx.String("cmd", strings.Join(path, " ")),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CommandTimeout
	}
	h := Chain(cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWAccess(cmd.Access, r.allowed),
		MWAudit(cmd.Audit, r.audit),
		MWTimeout(timeout),
	)
	return func(c context.Context) {
		if err := h(c, req); err != nil {
			var ue *UserError
			switch {
			case errors.As(err, &ue):
				_ = req.Reply(c, ue.Msg)
			case errors.Is(err, errDenied):
				_ = req.Reply(c, "this command is for chat administrators")
			default:
				_ = req.Reply(c, "command failed: "+err.Error())
			}
		}
	}, true
}

// allowed checks access for the sender of req.
func (r *Router) allowed(ctx context.Context, need Access, req *Request) (bool, error) {
	if need == AccessEveryone || r.isOwner(req.Msg.FromID) {
		return true, nil
	}
	if need == AccessOwner {
		return false, nil
	}
	return r.adapter.IsChatAdmin(ctx, req.Msg.ChatID, req.Msg.FromID)
}

func target(m kit.Message) kit.ChatTarget {
	return kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// TenantOf maps a chat to its tenant id.
// removal forgets the tenant of a chat the bot no longer belongs to and
// audits it like an admin command.
func (r *Router) removal(m kit.Message) (func(context.Context), bool) {
	r.mu.RLock()
	fn := r.onRemoved
	r.mu.RUnlock()
	if fn == nil {
		return nil, false
	}
	tenant := TenantOf(m.ChatID)
	return func(ctx context.Context) {
		log := r.log.With(logx.Tenant(string(tenant)))
		err := fn(ctx, tenant)
		if err != nil {
			log.Warn("forget removed chat failed", logx.Err(err))
		} else {
			log.Info("removed chat forgotten")
		}
		if r.audit == nil {
			return
		}
		e := storage.AuditEntry{
			At:            time.Now().UTC(),
			ActorID:       m.FromID,
			ActorUsername: m.FromUsername,
			Tenant:        string(tenant),
			Command:       "bot removed",
			OK:            err == nil,
		}
		if err != nil {
			e.Error = err.Error()
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if aerr := r.audit.AppendAudit(actx, e); aerr != nil {
			log.Warn("audit append failed", logx.Err(aerr))
		}
	}, true
}

func TenantOf(chatID int64) broadcast.TenantID {
	return broadcast.TenantID(strconv.FormatInt(chatID, 10))
}

// UserError is shown to the user verbatim instead of a generic failure.
type UserError struct{ Msg string }

func (e *UserError) Error() string { return e.Msg }

func userErr(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}
