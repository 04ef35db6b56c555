// Package matrix connects vito to a Matrix homeserver: it runs the sync
// loop, turns text messages into bot.Inbound values and implements
// bot.Sender.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/vito/common/retry"
	"github.com/bdobrica/vito/internal/vito/bot"
)

// typingTimeout is how long a typing notification lasts if never cleared.
const typingTimeout = 30 * time.Second

// Config holds the Matrix connection settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	DeviceID    string
	// Rooms are joined at Start.
	Rooms []string
	// AutoJoin accepts every invite addressed to the bot.
	AutoJoin bool
	// DB persists the sync token across restarts. When nil an in-memory store
	// is used and history is filtered by timestamp on every start.
	DB *sql.DB
}

// Handler receives each inbound message on its own goroutine.
type Handler func(ctx context.Context, in *bot.Inbound)

// Client wraps the mautrix client.
type Client struct {
	mxc    *mautrix.Client
	cfg    Config
	userID id.UserID

	stopOnce sync.Once
	stopCh   chan struct{}

	// mu guards stopped so no handler is added to inflight once Stop has
	// begun waiting on it.
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	// ignoreBefore drops events older than this (Unix ms) on a first sync.
	ignoreBefore int64
}

var _ bot.Sender = (*Client)(nil)

// New creates a client. It does not contact the homeserver.
func New(cfg Config) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.DeviceID != "" {
		mxc.DeviceID = id.DeviceID(cfg.DeviceID)
	}

	if cfg.DB != nil {
		mxc.Store = newDBSyncStore(cfg.DB)
		slog.Info("matrix: using persistent sync store")
	} else {
		slog.Warn("matrix: no database configured, sync position is not persisted")
	}

	return &Client{
		mxc:    mxc,
		cfg:    cfg,
		userID: id.UserID(cfg.UserID),
		stopCh: make(chan struct{}),
	}, nil
}

// UserID returns the bot's user ID.
func (c *Client) UserID() string { return c.cfg.UserID }

// Start joins the configured rooms and runs the sync loop until ctx is done
// or Stop is called. Sync errors are retried with exponential back-off, so
// Start only returns early when a configured room cannot be joined.
func (c *Client) Start(ctx context.Context, handler Handler) error {
	slog.Warn("matrix: E2EE is not enabled; only unencrypted rooms are served")

	next, err := c.mxc.Store.LoadNextBatch(ctx, c.userID)
	if err != nil {
		slog.Warn("matrix: could not load sync position", "err", err)
	}
	if next == "" {
		c.ignoreBefore = time.Now().UnixMilli()
	}

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		c.dispatch(ctx, evt, handler)
	})
	if c.cfg.AutoJoin {
		syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
			c.handleInvite(ctx, evt)
		})
	}

	if err := c.joinRooms(ctx, c.cfg.Rooms); err != nil {
		return err
	}

	c.syncLoop(ctx)
	return nil
}

// syncLoop runs Sync until ctx is done or Stop is called.
func (c *Client) syncLoop(ctx context.Context) {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.mxc.SyncWithContext(ctx)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err == nil {
			backoff = backoffMin
			continue
		}
		slog.Error("matrix: sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop halts the sync loop and waits for in-flight handlers. Messages that
// arrive afterwards are dropped. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mxc.StopSync()
	})
	c.inflight.Wait()
}

// dispatch runs handler for evt on its own goroutine. Events arriving after
// Stop are dropped.
func (c *Client) dispatch(ctx context.Context, evt *event.Event, handler Handler) {
	in, ok := c.inbound(evt)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		slog.Debug("matrix: dropping event received after stop", "event_id", evt.ID)
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		handler(ctx, in)
	}()
}

// inbound converts a sync event into a bot message. Non-text messages,
// edits, our own messages and history from before the first sync are
// skipped.
func (c *Client) inbound(evt *event.Event) (*bot.Inbound, bool) {
	if evt.Sender == c.userID {
		return nil, false
	}
	if c.ignoreBefore > 0 && evt.Timestamp < c.ignoreBefore {
		return nil, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return nil, false
	}
	body := content.Body
	if rel := content.RelatesTo; rel != nil {
		if rel.Type == event.RelReplace {
			return nil, false
		}
		if rel.InReplyTo != nil {
			body = stripReplyFallback(body)
		}
	}

	mentioned := false
	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			if u == c.userID {
				mentioned = true
				break
			}
		}
	}

	return &bot.Inbound{
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		SenderID:  evt.Sender.String(),
		Body:      body,
		Mentioned: mentioned,
	}, true
}

// stripReplyFallback removes the quoted "> " lines clients prepend to
// replies, and the blank line after them.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	if i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

func (c *Client) handleInvite(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.userID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	slog.Info("matrix: accepting invite", "room", evt.RoomID, "inviter", evt.Sender)
	if err := c.joinRooms(ctx, []string{evt.RoomID.String()}); err != nil {
		slog.Warn("matrix: could not accept invite", "room", evt.RoomID, "err", err)
	}
}

// joinRooms joins each room, retrying transient failures. M_FORBIDDEN is
// logged and skipped.
func (c *Client) joinRooms(ctx context.Context, rooms []string) error {
	for _, room := range rooms {
		err := retry.Do(ctx, retry.DefaultConfig, "matrix join", func() error {
			_, err := c.mxc.JoinRoomByID(ctx, id.RoomID(room))
			if errors.Is(err, mautrix.MForbidden) {
				return retry.Permanent(err)
			}
			return err
		})
		switch {
		case err == nil:
			slog.Info("matrix: joined room", "room", room)
		case errors.Is(err, mautrix.MForbidden):
			slog.Warn("matrix: join forbidden, continuing", "room", room, "err", err)
		default:
			return fmt.Errorf("matrix: join %s: %w", room, err)
		}
	}
	return nil
}

// Reply sends text as a reply to the inbound event, mentioning its sender.
func (c *Client) Reply(ctx context.Context, to *bot.Inbound, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(to.EventID)},
		},
		Mentions: &event.Mentions{UserIDs: []id.UserID{id.UserID(to.SenderID)}},
	}
	if _, err := c.mxc.SendMessageEvent(ctx, id.RoomID(to.RoomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: reply: %w", err)
	}
	return nil
}

// Send sends a plain text message.
func (c *Client) Send(ctx context.Context, roomID, text string) error {
	if _, err := c.mxc.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("matrix: send: %w", err)
	}
	return nil
}

// Typing sets or clears the typing indicator.
func (c *Client) Typing(ctx context.Context, roomID string, typing bool) error {
	if _, err := c.mxc.UserTyping(ctx, id.RoomID(roomID), typing, typingTimeout); err != nil {
		return fmt.Errorf("matrix: typing: %w", err)
	}
	return nil
}
