package bot_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/vito/internal/vito/access"
	"github.com/bdobrica/vito/internal/vito/bot"
	"github.com/bdobrica/vito/internal/vito/commands"
	"github.com/bdobrica/vito/internal/vito/llm"
	"github.com/bdobrica/vito/internal/vito/memory"
	"github.com/bdobrica/vito/internal/vito/metrics"
	"github.com/bdobrica/vito/internal/vito/pending"
	"github.com/bdobrica/vito/internal/vito/prompt"
	"github.com/bdobrica/vito/internal/vito/session"
	"github.com/bdobrica/vito/internal/vito/store"
)

const (
	botID   = "@vito:example.org"
	creator = "@yoru:example.org"
	admin   = "@mod:example.org"
	alice   = "@alice:example.org"
	bob     = "@bob:example.org"
	room    = "!lobby:example.org"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sent struct {
	reply bool
	text  string
}

type fakeSender struct {
	mu      sync.Mutex
	out     []sent
	sendErr error
}

func (s *fakeSender) Reply(_ context.Context, _ *bot.Inbound, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{reply: true, text: text})
	return s.sendErr
}

func (s *fakeSender) Send(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{text: text})
	return s.sendErr
}

func (s *fakeSender) Typing(context.Context, string, bool) error { return nil }

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.out {
		out = append(out, m.text)
	}
	return out
}

func (s *fakeSender) last() string {
	t := s.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

type fakeProvider struct {
	name string

	mu    sync.Mutex
	calls []llm.CompletionRequest
	reply string
	err   error
	// block makes Complete wait for its context after signalling entered.
	block   bool
	entered chan struct{}
}

func newProvider(name, reply string) *fakeProvider {
	return &fakeProvider{name: name, reply: reply, entered: make(chan struct{}, 4)}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	block, reply, err := p.block, p.reply, p.err
	p.mu.Unlock()

	if block {
		p.entered <- struct{}{}
		<-ctx.Done()
		return nil, &llm.Error{Backend: p.name, Message: "request aborted", Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: reply, Model: p.name + "-model"}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) lastCall() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

// brokenMemory fails every operation.
type brokenMemory struct{}

func (brokenMemory) Remember(context.Context, string, string) error {
	return store.Unavailable("memory: remember", errors.New("disk on fire"))
}
func (brokenMemory) Recall(context.Context, string) (string, bool, error) {
	return "", false, store.Unavailable("memory: recall", errors.New("disk on fire"))
}
func (brokenMemory) Forget(context.Context, string) error {
	return store.Unavailable("memory: forget", errors.New("disk on fire"))
}
func (brokenMemory) Close() error { return nil }

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	bot       *bot.Bot
	sender    *fakeSender
	primary   *fakeProvider
	secondary *fakeProvider
	sessions  *session.MemoryStore
	memory    memory.Store
	pending   *pending.Registry
}

func newHarness(t *testing.T, opts ...func(*bot.Config)) *harness {
	t.Helper()
	mem, err := memory.NewFileStore(filepath.Join(t.TempDir(), "memory.json"), nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	h := &harness{
		sender:    &fakeSender{},
		primary:   newProvider("gemini", "primary answer"),
		secondary: newProvider("openai", "secondary answer"),
		sessions:  session.NewMemoryStore(session.Options{}),
		memory:    mem,
		pending:   pending.NewRegistry(),
	}
	cfg := bot.Config{
		Identity:  commands.Identity{UserID: botID, DisplayName: "Vito"},
		Sessions:  h.sessions,
		Memory:    mem,
		Primary:   bot.Backend{Provider: h.primary},
		Secondary: bot.Backend{Provider: h.secondary},
		Gate:      access.NewGate(access.Roles{Creator: creator, Admins: []string{admin}}),
		Pending:   h.pending,
		Metrics:   metrics.New(),
		Sender:    h.sender,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Assembler == nil {
		cfg.Assembler = &prompt.Assembler{Sessions: cfg.Sessions, Memory: cfg.Memory}
	}
	h.memory = cfg.Memory
	b, err := bot.New(cfg)
	if err != nil {
		t.Fatalf("bot.New: %v", err)
	}
	h.bot = b
	return h
}

func (h *harness) say(t *testing.T, from, body string) {
	t.Helper()
	if err := h.bot.Handle(context.Background(), &bot.Inbound{
		RoomID: room, EventID: "$evt", SenderID: from, Body: body,
	}); err != nil {
		t.Fatalf("Handle(%q): %v", body, err)
	}
}

func (h *harness) turns(t *testing.T, user string) []session.Turn {
	t.Helper()
	s, err := h.sessions.GetOrCreate(context.Background(), user)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return s.Turns
}

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

func TestScenario_RememberStoresFactWithoutModelCall(t *testing.T) {
	h := newHarness(t)
	h.say(t, alice, botID+" remember I have a cat named Luna")

	fact, ok, err := h.memory.Recall(context.Background(), alice)
	if err != nil || !ok {
		t.Fatalf("Recall: %q %v %v", fact, ok, err)
	}
	if !strings.Contains(fact, "Luna") {
		t.Errorf("fact = %q", fact)
	}
	if h.primary.callCount()+h.secondary.callCount() != 0 {
		t.Error("remember must not call a model")
	}
	if got := h.sender.texts(); len(got) != 1 || got[0] != bot.NoticeSaved {
		t.Errorf("replies = %q", got)
	}
}

func TestScenario_StoredFactReachesPrimaryAndReplyIsSplit(t *testing.T) {
	h := newHarness(t)
	h.primary.reply = strings.Repeat("a", 4000)

	h.say(t, alice, botID+" remember I have a cat named Luna")
	h.say(t, alice, botID+": what is my cat's name?")

	if h.primary.callCount() != 1 {
		t.Fatalf("primary calls = %d", h.primary.callCount())
	}
	msgs := h.primary.lastCall().Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != prompt.DefaultIdentity {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleSystem || !strings.Contains(msgs[1].Content, "Luna") {
		t.Errorf("memory message = %+v", msgs[1])
	}
	if msgs[2].Role != llm.RoleUser || msgs[2].Content != "what is my cat's name?" {
		t.Errorf("user message = %+v", msgs[2])
	}

	h.sender.mu.Lock()
	out := append([]sent(nil), h.sender.out[1:]...)
	h.sender.mu.Unlock()
	if len(out) != 3 {
		t.Fatalf("got %d chunks, want 3", len(out))
	}
	wantLens := []int{1900, 1900, 200}
	for i, m := range out {
		if len(m.text) != wantLens[i] {
			t.Errorf("chunk %d: %d runes, want %d", i, len(m.text), wantLens[i])
		}
		if m.reply != (i == 0) {
			t.Errorf("chunk %d: reply = %v", i, m.reply)
		}
	}

	turns := h.turns(t, alice)
	if len(turns) != 2 || turns[0].Role != session.RoleUser || turns[1].Role != session.RoleAssistant {
		t.Errorf("turns = %+v", turns)
	}
}

func TestScenario_AlternateKeywordUsesSecondary(t *testing.T) {
	h := newHarness(t)
	h.say(t, alice, botID+" NotNice tell me a joke")

	if h.primary.callCount() != 0 || h.secondary.callCount() != 1 {
		t.Fatalf("calls: primary=%d secondary=%d", h.primary.callCount(), h.secondary.callCount())
	}
	msgs := h.secondary.lastCall().Messages
	if last := msgs[len(msgs)-1]; last.Content != "tell me a joke" {
		t.Errorf("payload = %q", last.Content)
	}
	if h.sender.last() != "secondary answer" {
		t.Errorf("reply = %q", h.sender.last())
	}
}

func TestScenario_NewChatResetsSession(t *testing.T) {
	h := newHarness(t)
	h.say(t, alice, botID+" hello")
	if len(h.turns(t, alice)) != 2 {
		t.Fatal("expected two turns before reset")
	}

	h.say(t, alice, botID+" newchat")
	if n := len(h.turns(t, alice)); n != 0 {
		t.Errorf("turns after newchat = %d", n)
	}
	if h.sender.last() != bot.NoticeNewChat {
		t.Errorf("reply = %q", h.sender.last())
	}

	h.say(t, alice, botID+" newchat start over")
	msgs := h.primary.lastCall().Messages
	if len(msgs) != 2 || msgs[1].Content != "start over" {
		t.Errorf("messages after reset = %+v", msgs)
	}
	turns := h.turns(t, alice)
	if len(turns) != 2 || turns[0].Content != "start over" {
		t.Errorf("fresh turns = %+v", turns)
	}
}

// ---------------------------------------------------------------------------
// Addressing
// ---------------------------------------------------------------------------

func TestHandle_Addressing(t *testing.T) {
	tests := []struct {
		name      string
		in        bot.Inbound
		wantCalls int
	}{
		{"not addressed", bot.Inbound{SenderID: alice, Body: "hello everyone"}, 0},
		{"user id", bot.Inbound{SenderID: alice, Body: botID + " hi"}, 1},
		{"display name", bot.Inbound{SenderID: alice, Body: "vito, hi"}, 1},
		{"discord style", bot.Inbound{SenderID: alice, Body: "<@!vito> hi"}, 1},
		{"m.mentions", bot.Inbound{SenderID: alice, Body: "hi there", Mentioned: true}, 1},
		{"own message", bot.Inbound{SenderID: botID, Body: botID + " hi"}, 0},
		{"mention only", bot.Inbound{SenderID: alice, Body: botID}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			in := tt.in
			in.RoomID = room
			if err := h.bot.Handle(context.Background(), &in); err != nil {
				t.Fatal(err)
			}
			if got := h.primary.callCount(); got != tt.wantCalls {
				t.Errorf("primary calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Stop and pending requests
// ---------------------------------------------------------------------------

// startBlocked sends a chat from user whose model call blocks until
// cancelled. It returns a channel receiving Handle's result.
func startBlocked(t *testing.T, h *harness, user string) <-chan error {
	t.Helper()
	h.primary.mu.Lock()
	h.primary.block = true
	h.primary.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- h.bot.Handle(context.Background(), &bot.Inbound{
			RoomID: room, SenderID: user, Body: botID + " write me an essay",
		})
	}()
	select {
	case <-h.primary.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("model call never started")
	}
	return done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Handle: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Handle did not return")
	}
}

func TestStop_OwnRequest(t *testing.T) {
	h := newHarness(t)
	done := startBlocked(t, h, alice)

	h.say(t, alice, botID+" stop")
	wait(t, done)

	if got := h.sender.texts(); len(got) != 1 || got[0] != bot.NoticeStopped {
		t.Errorf("replies = %q", got)
	}
	if n := len(h.turns(t, alice)); n != 0 {
		t.Errorf("cancelled exchange recorded %d turns", n)
	}
	if h.pending.Len() != 0 {
		t.Error("pending slot not released")
	}
}

func TestStop_WordAfterStopMeansSelf(t *testing.T) {
	for _, body := range []string{"stop please", "stop it now"} {
		t.Run(body, func(t *testing.T) {
			h := newHarness(t)
			done := startBlocked(t, h, alice)

			h.say(t, alice, botID+" "+body)
			wait(t, done)

			if got := h.sender.texts(); len(got) != 1 || got[0] != bot.NoticeStopped {
				t.Errorf("replies = %q", got)
			}
			if h.pending.Len() != 0 {
				t.Error("own request still pending")
			}
		})
	}
}

func TestStop_NothingPending(t *testing.T) {
	h := newHarness(t)
	h.say(t, alice, botID+" stop")
	if h.sender.last() != bot.NoticeNothingToStop {
		t.Errorf("reply = %q", h.sender.last())
	}
}

func TestStop_OtherUser(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		target  string
		allowed bool
	}{
		{"user cannot stop user", bob, alice, false},
		{"user cannot stop admin", alice, admin, false},
		{"admin stops user", admin, alice, true},
		{"creator stops admin", creator, admin, true},
		{"admin cannot stop creator", admin, creator, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			done := startBlocked(t, h, tt.target)

			h.say(t, tt.actor, botID+" stop <@"+tt.target+">")

			if tt.allowed {
				wait(t, done)
				if h.sender.last() != bot.NoticeStopped {
					t.Errorf("reply = %q", h.sender.last())
				}
				return
			}
			if h.sender.last() != bot.NoticeDenied {
				t.Errorf("reply = %q", h.sender.last())
			}
			if _, ok := h.pending.Get(tt.target); !ok {
				t.Error("denied stop cancelled the request")
			}
			h.pending.Cancel(tt.target)
			wait(t, done)
		})
	}
}

func TestChat_BusyWhilePending(t *testing.T) {
	h := newHarness(t)
	done := startBlocked(t, h, alice)

	h.say(t, alice, botID+" are you there?")
	if h.sender.last() != bot.NoticeBusy {
		t.Errorf("reply = %q", h.sender.last())
	}

	h.pending.Cancel(alice)
	wait(t, done)
}

func TestChat_ShutdownIsSilent(t *testing.T) {
	h := newHarness(t)
	h.primary.block = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.bot.Handle(ctx, &bot.Inbound{RoomID: room, SenderID: alice, Body: botID + " hi"})
	}()
	<-h.primary.entered
	cancel()
	wait(t, done)

	if got := h.sender.texts(); len(got) != 0 {
		t.Errorf("replies after shutdown = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Failures and limits
// ---------------------------------------------------------------------------

func TestChat_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server error", &llm.Error{Backend: "gemini", StatusCode: 500, Message: "boom"}, bot.NoticeUpstream},
		{"rate limited", &llm.Error{Backend: "gemini", StatusCode: 429, Message: "quota"}, bot.NoticeUpstreamBusy},
		{"network", &llm.Error{Backend: "gemini", Message: "dial tcp: refused"}, bot.NoticeUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.primary.err = tt.err
			h.say(t, alice, botID+" hi")

			if got := h.sender.texts(); len(got) != 1 || got[0] != tt.want {
				t.Errorf("replies = %q", got)
			}
			if n := len(h.turns(t, alice)); n != 0 {
				t.Errorf("failed exchange recorded %d turns", n)
			}
			if h.pending.Len() != 0 {
				t.Error("pending slot not released")
			}
		})
	}
}

func TestChat_RateLimited(t *testing.T) {
	h := newHarness(t, func(c *bot.Config) { c.Limiter = bot.NewRateLimiter(1, time.Minute) })
	h.say(t, alice, botID+" one")
	h.say(t, alice, botID+" two")

	if h.primary.callCount() != 1 {
		t.Errorf("primary calls = %d", h.primary.callCount())
	}
	if h.sender.last() != bot.NoticeSlowDown {
		t.Errorf("reply = %q", h.sender.last())
	}

	h.say(t, bob, botID+" hi")
	if h.primary.callCount() != 2 {
		t.Error("limit is per user")
	}
}

func TestChat_BusyRefusalKeepsRateLimitSlot(t *testing.T) {
	h := newHarness(t, func(c *bot.Config) { c.Limiter = bot.NewRateLimiter(2, time.Minute) })
	done := startBlocked(t, h, alice)

	h.say(t, alice, botID+" are you there?")
	if h.sender.last() != bot.NoticeBusy {
		t.Fatalf("reply = %q", h.sender.last())
	}
	h.pending.Cancel(alice)
	wait(t, done)

	h.primary.mu.Lock()
	h.primary.block = false
	h.primary.mu.Unlock()

	h.say(t, alice, botID+" hello again")
	if h.sender.last() != "primary answer" {
		t.Errorf("reply = %q, want the model answer", h.sender.last())
	}
	if h.primary.callCount() != 2 {
		t.Errorf("primary calls = %d, want 2", h.primary.callCount())
	}
}

func TestChat_MemoryFailureDegrades(t *testing.T) {
	h := newHarness(t, func(c *bot.Config) { c.Memory = brokenMemory{} })
	h.say(t, alice, botID+" hi")

	if h.sender.last() != "primary answer" {
		t.Errorf("reply = %q", h.sender.last())
	}
	if msgs := h.primary.lastCall().Messages; len(msgs) != 2 {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRemember_FailuresAndGuardrail(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		h := newHarness(t)
		h.say(t, alice, botID+" remember   ")
		if h.sender.last() != bot.NoticeNothingToSave {
			t.Errorf("reply = %q", h.sender.last())
		}
	})
	t.Run("credential", func(t *testing.T) {
		h := newHarness(t)
		h.say(t, alice, botID+" remember my key is sk-proj-abcdefghijklmnopqrstuvwxyz0123")
		if h.sender.last() != bot.NoticeCredential {
			t.Errorf("reply = %q", h.sender.last())
		}
		if _, ok, _ := h.memory.Recall(context.Background(), alice); ok {
			t.Error("credential was stored")
		}
	})
	t.Run("storage down", func(t *testing.T) {
		h := newHarness(t, func(c *bot.Config) { c.Memory = brokenMemory{} })
		h.say(t, alice, botID+" remember pizza")
		if h.sender.last() != bot.NoticeStorage {
			t.Errorf("reply = %q", h.sender.last())
		}
	})
}

func TestRecallAndForget(t *testing.T) {
	h := newHarness(t)

	h.say(t, alice, botID+" recall")
	if h.sender.last() != bot.NoticeNothingSaved || h.primary.callCount() != 0 {
		t.Fatalf("recall without fact: %q, calls %d", h.sender.last(), h.primary.callCount())
	}

	h.say(t, alice, botID+" remember my birthday is in May")
	h.say(t, alice, botID+" recall when should we celebrate?")
	msgs := h.primary.lastCall().Messages
	last := msgs[len(msgs)-1].Content
	if !strings.Contains(last, "my birthday is in May") || !strings.HasSuffix(last, "when should we celebrate?") {
		t.Errorf("recall prompt = %q", last)
	}

	h.say(t, alice, botID+" forget")
	if h.sender.last() != bot.NoticeForgotten {
		t.Errorf("forget reply = %q", h.sender.last())
	}
	h.say(t, alice, botID+" forget")
	if h.sender.last() != bot.NoticeNothingSaved {
		t.Errorf("second forget reply = %q", h.sender.last())
	}
}

func TestHandle_DeliveryErrorReturned(t *testing.T) {
	h := newHarness(t)
	h.sender.sendErr = errors.New("room gone")
	err := h.bot.Handle(context.Background(), &bot.Inbound{RoomID: room, SenderID: alice, Body: botID + " hi"})
	if err == nil || !strings.Contains(err.Error(), "room gone") {
		t.Errorf("err = %v", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := bot.New(bot.Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"identity", "assembler", "primary backend", "secondary backend", "sender"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
