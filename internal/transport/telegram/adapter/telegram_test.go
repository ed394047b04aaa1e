package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	kit "cheersbot/internal/transport"
	logx "cheersbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type fakeAPI struct {
	sent     []string
	opts     []*tele.SendOptions
	admins   []tele.ChatMember
	adminErr error
	adminsN  int
	commands []tele.Command
	setN     int
}

func (f *fakeAPI) Send(_ tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.sent = append(f.sent, what.(string))
	if len(opts) > 0 {
		f.opts = append(f.opts, opts[0].(*tele.SendOptions))
	}
	return &tele.Message{ID: len(f.sent)}, nil
}

func (f *fakeAPI) AdminsOf(*tele.Chat) ([]tele.ChatMember, error) {
	f.adminsN++
	return f.admins, f.adminErr
}

func (f *fakeAPI) SetCommands(opts ...interface{}) error {
	f.setN++
	f.commands = opts[0].([]tele.Command)
	return nil
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "newline", in: "aaaa\nbbbbbb", limit: 8, want: []string{"aaaa", "bbbbbb"}},
		{name: "html tag", in: "abcdef<b>x</b>", limit: 8, mode: "HTML", want: []string{"abcdef", "<b>x</b>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit, tt.mode)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("splitText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSendText_ChunksAndOptions(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	a := newAdapter(Config{}, api, logx.Nop())
	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: -100, ThreadID: 7},
		strings.Repeat("x", textLimit+10), &kit.SendOptions{Silent: true})
	if err != nil {
		t.Fatalf("SendText error = %v", err)
	}
	if len(api.sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(api.sent))
	}
	if ref.MessageID != 1 || ref.ThreadID != 7 {
		t.Fatalf("ref = %+v, want first message in thread 7", ref)
	}
	if !api.opts[0].DisableNotification || api.opts[0].ThreadID != 7 {
		t.Fatalf("send options = %+v", api.opts[0])
	}
}

func TestIsChatAdmin(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{admins: []tele.ChatMember{{User: &tele.User{ID: 42}}, {User: &tele.User{ID: 7}}}}
	a := newAdapter(Config{AdminCacheTTL: time.Hour}, api, logx.Nop())
	ctx := context.Background()

	if ok, _ := a.IsChatAdmin(ctx, 5, 5); !ok {
		t.Fatalf("private chat owner should be admin")
	}
	if ok, err := a.IsChatAdmin(ctx, -100, 42); err != nil || !ok {
		t.Fatalf("IsChatAdmin(42) = %v, %v, want true", ok, err)
	}
	if ok, _ := a.IsChatAdmin(ctx, -100, 99); ok {
		t.Fatalf("IsChatAdmin(99) = true, want false")
	}
	if api.adminsN != 1 {
		t.Fatalf("AdminsOf calls = %d, want 1 (cached)", api.adminsN)
	}

	boom := errors.New("boom")
	b := newAdapter(Config{}, &fakeAPI{adminErr: boom}, logx.Nop())
	if _, err := b.IsChatAdmin(ctx, -1, 2); !errors.Is(err, boom) {
		t.Fatalf("IsChatAdmin error = %v, want boom", err)
	}
}

func TestUpdateMenuCommands_SkipsUnchanged(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	a := newAdapter(Config{}, api, logx.Nop())
	cmds := []kit.BotCommand{{Command: "status", Description: "show status"}, {Command: ""}, {Command: "help"}}
	for i := 0; i < 2; i++ {
		if err := a.UpdateMenuCommands(context.Background(), cmds); err != nil {
			t.Fatalf("UpdateMenuCommands error = %v", err)
		}
	}
	if api.setN != 1 {
		t.Fatalf("SetCommands calls = %d, want 1", api.setN)
	}
	if len(api.commands) != 2 || api.commands[1].Description != "help" {
		t.Fatalf("commands = %+v", api.commands)
	}
}

func TestDeliver_DropsWhenFull(t *testing.T) {
	t.Parallel()

	a := newAdapter(Config{}, &fakeAPI{}, logx.Nop())
	a.deliver(kit.Message{Text: "ignored before start"})

	out := make(chan kit.Message, 1)
	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer a.Stop(context.Background())

	a.deliver(kit.Message{Text: "one"})
	a.deliver(kit.Message{Text: "two"})
	if got := (<-out).Text; got != "one" {
		t.Fatalf("delivered %q, want one", got)
	}
	if n := a.dropped.Load(); n != 1 {
		t.Fatalf("dropped = %d, want 1", n)
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()

	m := toMessage(&tele.Message{
		ID: 3, Text: "/status", ThreadID: 9,
		Chat:   &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender: &tele.User{ID: 42, Username: "ana"},
	})
	want := kit.Message{ID: 3, ChatID: -100, ThreadID: 9, FromID: 42, FromUsername: "ana", Text: "/status", IsGroup: true}
	if m != want {
		t.Fatalf("toMessage = %+v, want %+v", m, want)
	}
}

func TestToRemoval(t *testing.T) {
	t.Parallel()

	group := &tele.Chat{ID: -100, Type: tele.ChatSuperGroup}
	by := &tele.User{ID: 42, Username: "ana"}
	tests := []struct {
		name string
		in   *tele.ChatMemberUpdate
		want kit.Message
		ok   bool
	}{
		{"kicked", &tele.ChatMemberUpdate{Chat: group, Sender: by, NewChatMember: &tele.ChatMember{Role: tele.Kicked}},
			kit.Message{Kind: kit.KindBotRemoved, ChatID: -100, FromID: 42, FromUsername: "ana", IsGroup: true}, true},
		{"left", &tele.ChatMemberUpdate{Chat: group, NewChatMember: &tele.ChatMember{Role: tele.Left}},
			kit.Message{Kind: kit.KindBotRemoved, ChatID: -100, IsGroup: true}, true},
		{"promoted", &tele.ChatMemberUpdate{Chat: group, NewChatMember: &tele.ChatMember{Role: tele.Administrator}}, kit.Message{}, false},
		{"no member", &tele.ChatMemberUpdate{Chat: group}, kit.Message{}, false},
		{"nil", nil, kit.Message{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := toRemoval(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("toRemoval = %+v, %v, want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDeliverWait(t *testing.T) {
	t.Parallel()

	a := newAdapter(Config{}, &fakeAPI{}, logx.Nop())
	out := make(chan kit.Message, 1)
	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer a.Stop(context.Background())

	a.deliver(kit.Message{Text: "fill"})
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-out
	}()
	a.deliverWait(kit.Message{Kind: kit.KindBotRemoved, ChatID: -100}, 2*time.Second)
	if got := <-out; got.Kind != kit.KindBotRemoved {
		t.Fatalf("delivered %+v, want the removal", got)
	}

	a.deliver(kit.Message{Text: "fill"})
	a.deliverWait(kit.Message{Kind: kit.KindBotRemoved, ChatID: -100}, 10*time.Millisecond)
	if n := a.dropped.Load(); n != 1 {
		t.Fatalf("dropped = %d, want 1", n)
	}
}
