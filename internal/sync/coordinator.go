// Package sync reconciles the local store with the chat server.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/media"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Gateway is the subset of the server API the coordinator calls.
type Gateway interface {
	ListChats(ctx context.Context) ([]gateway.Chat, error)
	GetChatDetails(ctx context.Context, chatID string) (*gateway.Chat, error)
	ListMessages(ctx context.Context, chatID string, page int) (*gateway.MessagePage, error)
	SendMessage(ctx context.Context, chatID, content string) (*gateway.Message, error)
	SendAttachments(ctx context.Context, chatID string, files []gateway.Upload) (*gateway.Message, error)
	CreateGroup(ctx context.Context, name string, members []string) error
	AddMembers(ctx context.Context, chatID string, members []string) error
	RemoveMember(ctx context.Context, chatID, userID string) error
	LeaveGroup(ctx context.Context, chatID string) error
	Download(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

// Channel is the subset of the realtime channel the coordinator drives.
type Channel interface {
	JoinChat(ctx context.Context, chatID string)
	LeaveChat(ctx context.Context, chatID string)
	StartTyping(ctx context.Context, chatID string)
	StopTyping(ctx context.Context, chatID string)
	On(name realtime.EventName, h realtime.Handler) func()
	SetMessageSink(s realtime.MessageSink)
}

// DefaultTypingTimeout is how long a typing indicator lasts without a
// STOP_TYPING.
const DefaultTypingTimeout = 2 * time.Second

// ErrNoMediaCache is returned by media operations of a coordinator built
// without a media cache.
var ErrNoMediaCache = errors.New("sync: no media cache")

// Config tunes the coordinator.
type Config struct {
	MessagePageSize int
	TypingTimeout   time.Duration
}

// Coordinator serves reads from the local store, refreshes them from the
// server and folds realtime events into the store. It is the only writer of
// the store.
type Coordinator struct {
	db      *store.DB
	gw      Gateway
	channel Channel
	bus     *bus.Bus
	media   *media.Cache
	rec     *Reconciler
	cfg     Config
	logger  *zap.Logger

	group  singleflight.Group
	typing *typingTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	mu            stdsync.Mutex
	locks         map[Resource]*resourceLock
	online        map[string]struct{}
	notifications int
	current       string
	unsubs        []func()
}

// NewCoordinator wires a coordinator. Call Start to attach it to the channel.
func NewCoordinator(db *store.DB, gw Gateway, ch Channel, b *bus.Bus, cache *media.Cache, rec *Reconciler, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MessagePageSize <= 0 {
		cfg.MessagePageSize = store.DefaultMessageLimit
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if rec == nil {
		rec = NewReconciler(db, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		db:      db,
		gw:      gw,
		channel: ch,
		bus:     b,
		media:   cache,
		rec:     rec,
		cfg:     cfg,
		logger:  logger.Named("sync"),
		ctx:     ctx,
		cancel:  cancel,
		locks:   make(map[Resource]*resourceLock),
		online:  make(map[string]struct{}),
	}
	c.typing = newTypingTracker(cfg.TypingTimeout, c.publishTyping)
	return c
}

// Start installs the message sink and subscribes to realtime events.
func (c *Coordinator) Start() {
	if c.channel == nil {
		return
	}
	c.channel.SetMessageSink(c.cacheIncoming)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs,
		c.channel.On(realtime.EventNewMessage, c.onRealtime),
		c.channel.On(realtime.EventNewMessageAlert, c.onRealtime),
		c.channel.On(realtime.EventRefetchChats, c.onRealtime),
		c.channel.On(realtime.EventStartTyping, c.onRealtime),
		c.channel.On(realtime.EventStopTyping, c.onRealtime),
		c.channel.On(realtime.EventOnlineUsers, c.onRealtime),
	)
}

// Stop detaches from the channel and waits for background refreshes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	if c.channel != nil {
		c.channel.SetMessageSink(nil)
	}
	c.cancel()
	c.wg.Wait()
	c.typing.clearAll()
}

// Watch registers fn for updates of res. The returned function removes it;
// an update already in flight is not delivered after that.
func (c *Coordinator) Watch(res Resource, fn func(Update)) func() {
	return c.bus.On(res.busKind(), func(e bus.Event) {
		if u, ok := e.Payload.(Update); ok {
			fn(u)
		}
	})
}

func (c *Coordinator) watched(res Resource) bool {
	return c.bus.HandlerCount(res.busKind()) > 0
}

func (c *Coordinator) publish(u Update) {
	c.bus.Publish(bus.NewEvent(u.Resource.busKind(), u))
}

// ListChats returns the cached chat list and refreshes it in the background.
// A stale list is refreshed before returning.
func (c *Coordinator) ListChats(ctx context.Context) ([]store.Chat, error) {
	if c.rec.Stale(ChatsResource) {
		return c.RefreshChats(ctx)
	}
	chats, err := c.db.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	c.background(ChatsResource)
	return chats, nil
}

// RefreshChats fetches the chat list, writes it to the store, notifies
// watchers and returns the store view. When the server cannot be reached the
// cached list is returned.
func (c *Coordinator) RefreshChats(ctx context.Context) ([]store.Chat, error) {
	err := c.refresh(ctx, ChatsResource, func(ctx context.Context) (storeFunc, error) {
		remote, err := c.gw.ListChats(ctx)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			cached, err := c.db.ListChats(ctx)
			if err != nil {
				return err
			}
			byID := make(map[string]*store.Chat, len(cached))
			for i := range cached {
				byID[cached[i].ID] = &cached[i]
			}
			for i := range remote {
				sc := mergeChat(&remote[i], byID[remote[i].ID])
				if err := c.db.UpsertChat(ctx, &sc); err != nil {
					return err
				}
			}
			return nil
		}, nil
	})
	if err := c.degrade(ChatsResource, err); err != nil {
		return nil, err
	}

	chats, err := c.db.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	return chats, nil
}

// ChatDetails returns the cached chat and refreshes it in the background.
// The result is nil when the chat is neither cached nor reachable.
func (c *Coordinator) ChatDetails(ctx context.Context, chatID string) (*store.Chat, error) {
	res := ChatResource(chatID)
	if c.rec.Stale(res) {
		return c.RefreshChat(ctx, chatID)
	}
	chat, err := c.db.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	c.background(res)
	return chat, nil
}

// RefreshChat fetches one chat's details and returns the store view.
func (c *Coordinator) RefreshChat(ctx context.Context, chatID string) (*store.Chat, error) {
	res := ChatResource(chatID)
	err := c.refresh(ctx, res, func(ctx context.Context) (storeFunc, error) {
		remote, err := c.gw.GetChatDetails(ctx, chatID)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			cached, err := c.db.GetChat(ctx, chatID)
			if err != nil {
				return err
			}
			sc := mergeChat(remote, cached)
			return c.db.UpsertChat(ctx, &sc)
		}, nil
	})
	if err := c.degrade(res, err); err != nil {
		return nil, err
	}
	return c.db.GetChat(ctx, chatID)
}

// Messages returns one page of a chat's history, newest first. The first
// page is served from the store and refreshed in the background; later pages
// come from the server only and their errors are returned.
func (c *Coordinator) Messages(ctx context.Context, chatID string, page int) ([]store.Message, error) {
	if page > 1 {
		return c.remotePage(ctx, chatID, page)
	}
	res := MessagesResource(chatID)
	if c.rec.Stale(res) {
		return c.RefreshMessages(ctx, chatID)
	}
	msgs, err := c.db.ListMessages(ctx, chatID, c.cfg.MessagePageSize, 0)
	if err != nil {
		return nil, err
	}
	c.background(res)
	return msgs, nil
}

// RefreshMessages fetches the first page of a chat and returns the store view.
func (c *Coordinator) RefreshMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	res := MessagesResource(chatID)
	err := c.refresh(ctx, res, func(ctx context.Context) (storeFunc, error) {
		page, err := c.gw.ListMessages(ctx, chatID, 1)
		if err != nil {
			return nil, err
		}
		msgs := toStoreMessages(chatID, page.Messages)
		return func(ctx context.Context) error {
			return c.db.UpsertMessages(ctx, msgs)
		}, nil
	})
	if err := c.degrade(res, err); err != nil {
		return nil, err
	}
	return c.db.ListMessages(ctx, chatID, c.cfg.MessagePageSize, 0)
}

func (c *Coordinator) remotePage(ctx context.Context, chatID string, page int) ([]store.Message, error) {
	p, err := c.gw.ListMessages(ctx, chatID, page)
	if err != nil {
		return nil, err
	}
	msgs := toStoreMessages(chatID, p.Messages)
	err = c.withLocks(func() error {
		return c.db.UpsertMessages(ctx, msgs)
	}, MessagesResource(chatID))
	if err != nil {
		return nil, fmt.Errorf("cache page %d of %s: %w", page, chatID, err)
	}
	slices.SortStableFunc(msgs, func(a, b store.Message) int {
		switch {
		case a.CreatedAt > b.CreatedAt:
			return -1
		case a.CreatedAt < b.CreatedAt:
			return 1
		}
		return 0
	})
	return msgs, nil
}

// LastRefreshed returns when res was last refreshed from the server.
func (c *Coordinator) LastRefreshed(ctx context.Context, res Resource) (time.Time, bool, error) {
	return c.rec.LastRefreshed(ctx, res)
}

// resourceLock serializes the store writes of one resource. Refreshes take
// a ticket before going to the network; a response that lands after a newer
// one was written is dropped.
type resourceLock struct {
	stdsync.Mutex
	issued atomic.Uint64
	landed uint64
}

func (c *Coordinator) lockFor(res Resource) *resourceLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[res]
	if !ok {
		l = &resourceLock{}
		c.locks[res] = l
	}
	return l
}

// withLocks runs write holding the locks of resources, taken in the order
// given. Callers list ChatsResource before chat:<id> before messages:<id>.
func (c *Coordinator) withLocks(write func() error, resources ...Resource) error {
	for _, res := range resources {
		l := c.lockFor(res)
		l.Lock()
		defer l.Unlock()
	}
	return write()
}

// fetchFunc performs the network leg of a refresh and returns the store
// write to apply once the resource lock is held.
type (
	fetchFunc func(context.Context) (storeFunc, error)
	storeFunc func(context.Context) error
)

// refresh runs fetch for res, coalescing concurrent callers. The caller that
// ran the fetch notifies watchers with the store view after the flight ends,
// so a watcher may itself start a refresh.
func (c *Coordinator) refresh(ctx context.Context, res Resource, fetch fetchFunc) error {
	ran := false
	_, err, _ := c.group.Do(string(res), func() (any, error) {
		ran = true
		return nil, c.fetchAndStore(ctx, res, fetch)
	})
	if err != nil || !ran {
		return err
	}
	return c.announce(ctx, res)
}

func (c *Coordinator) fetchAndStore(ctx context.Context, res Resource, fetch fetchFunc) error {
	l := c.lockFor(res)
	ticket := l.issued.Add(1)
	gen := c.rec.Begin(res)

	write, err := fetch(ctx)
	if err != nil {
		return err
	}

	l.Lock()
	defer l.Unlock()
	if ticket < l.landed {
		c.logger.Debug("dropping superseded refresh", zap.String("resource", string(res)))
		return nil
	}
	l.landed = ticket
	if err := write(ctx); err != nil {
		return err
	}
	if err := c.rec.Mark(ctx, res, gen); err != nil {
		return fmt.Errorf("mark %s: %w", res, err)
	}
	return nil
}

// degrade swallows server errors so reads fall back to the cache. Store and
// context errors are returned.
func (c *Coordinator) degrade(res Resource, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		c.logger.Warn("refresh failed, serving cache",
			zap.String("resource", string(res)),
			zap.String("kind", string(gwErr.Kind)),
			zap.Error(err))
		return nil
	}
	return err
}

// announce publishes the current store view of res to its watchers.
func (c *Coordinator) announce(ctx context.Context, res Resource) error {
	if !c.watched(res) {
		return nil
	}
	u := Update{Resource: res}
	family, chatID := res.split()
	switch family {
	case string(ChatsResource):
		chats, err := c.db.ListChats(ctx)
		if err != nil {
			return err
		}
		u.Chats = chats
	case chatPrefix:
		chat, err := c.db.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		u.Chat = chat
	case messagesPrefix:
		msgs, err := c.db.ListMessages(ctx, chatID, c.cfg.MessagePageSize, 0)
		if err != nil {
			return err
		}
		u.Messages = msgs
	case typingPrefix:
		u.Typing = c.typing.users(chatID)
	case string(PresenceResource):
		u.Online = c.OnlineUsers()
	case string(NotificationsResource):
		u.Notifications = c.NotificationCount()
	}
	c.publish(u)
	return nil
}

// background refreshes res without blocking the caller.
func (c *Coordinator) background(res Resource) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.refreshResource(c.ctx, res); err != nil && c.ctx.Err() == nil {
			c.logger.Error("background refresh failed", zap.String("resource", string(res)), zap.Error(err))
		}
	}()
}

func (c *Coordinator) refreshResource(ctx context.Context, res Resource) error {
	family, chatID := res.split()
	var err error
	switch family {
	case string(ChatsResource):
		_, err = c.RefreshChats(ctx)
	case chatPrefix:
		_, err = c.RefreshChat(ctx, chatID)
	case messagesPrefix:
		_, err = c.RefreshMessages(ctx, chatID)
	}
	return err
}

// invalidate marks res stale and, when somebody watches it, refreshes it
// right away so the watchers see the server's version.
func (c *Coordinator) invalidate(resources ...Resource) {
	for _, res := range resources {
		c.rec.Invalidate(res)
		c.group.Forget(string(res))
		if c.watched(res) {
			c.background(res)
		}
	}
}

// SendMessage posts content to chatID. The message shows up locally once the
// invalidated message list is read again.
func (c *Coordinator) SendMessage(ctx context.Context, chatID, content string) (*gateway.Message, error) {
	msg, err := c.gw.SendMessage(ctx, chatID, content)
	if err != nil {
		return nil, err
	}
	c.invalidate(MessagesResource(chatID), ChatsResource)
	return msg, nil
}

// SendAttachments uploads files to chatID.
func (c *Coordinator) SendAttachments(ctx context.Context, chatID string, files []gateway.Upload) (*gateway.Message, error) {
	msg, err := c.gw.SendAttachments(ctx, chatID, files)
	if err != nil {
		return nil, err
	}
	c.invalidate(MessagesResource(chatID), ChatResource(chatID), ChatsResource)
	return msg, nil
}

// CreateGroup creates a group chat.
func (c *Coordinator) CreateGroup(ctx context.Context, name string, members []string) error {
	if err := c.gw.CreateGroup(ctx, name, members); err != nil {
		return err
	}
	c.invalidate(ChatsResource)
	return nil
}

// AddMembers adds users to a group chat.
func (c *Coordinator) AddMembers(ctx context.Context, chatID string, members []string) error {
	if err := c.gw.AddMembers(ctx, chatID, members); err != nil {
		return err
	}
	c.invalidate(ChatResource(chatID), ChatsResource)
	return nil
}

// RemoveMember removes a user from a group chat.
func (c *Coordinator) RemoveMember(ctx context.Context, chatID, userID string) error {
	if err := c.gw.RemoveMember(ctx, chatID, userID); err != nil {
		return err
	}
	c.invalidate(ChatResource(chatID), ChatsResource)
	return nil
}

// LeaveGroup leaves a group chat and drops it from the local cache.
func (c *Coordinator) LeaveGroup(ctx context.Context, chatID string) error {
	if err := c.gw.LeaveGroup(ctx, chatID); err != nil {
		return err
	}
	c.CloseChat(ctx, chatID)
	if err := c.ClearChat(ctx, chatID); err != nil {
		return err
	}
	c.invalidate(ChatsResource)
	return nil
}

// SendTyping tells the members of chatID whether the user is typing.
func (c *Coordinator) SendTyping(ctx context.Context, chatID string, typing bool) {
	if c.channel == nil {
		return
	}
	if typing {
		c.channel.StartTyping(ctx, chatID)
	} else {
		c.channel.StopTyping(ctx, chatID)
	}
}

// cacheIncoming is the channel's message sink. It runs before any handler so
// the store already holds the message when listeners fire.
func (c *Coordinator) cacheIncoming(ctx context.Context, evt realtime.NewMessage) error {
	m := evt.Message.ToStore(evt.ChatID, store.StatusDelivered)
	if m.ID == "" || m.ChatID == "" {
		return errors.New("incoming message without id or chat")
	}
	if m.CreatedAt == "" {
		m.CreatedAt = isoNow()
	}
	err := c.withLocks(func() error {
		return c.db.UpsertMessage(ctx, &m)
	}, MessagesResource(m.ChatID))
	if err != nil {
		return err
	}
	return c.withLocks(func() error {
		return c.db.TouchChat(ctx, m.ChatID, preview(&m), m.CreatedAt)
	}, ChatsResource, ChatResource(m.ChatID))
}

func (c *Coordinator) onRealtime(evt realtime.Event) {
	ctx := c.ctx
	switch e := evt.(type) {
	case realtime.NewMessage:
		c.announceOrLog(ctx, MessagesResource(e.ChatID))
		c.announceOrLog(ctx, ChatsResource)
		c.invalidate(MessagesResource(e.ChatID))
	case realtime.NewMessageAlert:
		c.onAlert(ctx, e.ChatID)
	case realtime.RefetchChats:
		c.invalidate(ChatsResource)
	case realtime.StartTyping:
		if c.typing.add(e.ChatID, e.User) {
			c.publishTyping(e.ChatID)
		}
	case realtime.StopTyping:
		if c.typing.remove(e.ChatID, e.User.ID) {
			c.publishTyping(e.ChatID)
		}
	case realtime.OnlineUsers:
		c.mu.Lock()
		c.online = make(map[string]struct{}, len(e.UserIDs))
		for _, id := range e.UserIDs {
			c.online[id] = struct{}{}
		}
		c.mu.Unlock()
		c.announceOrLog(ctx, PresenceResource)
	}
}

func (c *Coordinator) onAlert(ctx context.Context, chatID string) {
	c.mu.Lock()
	open := c.current == chatID
	if !open {
		c.notifications++
	}
	c.mu.Unlock()

	if !open {
		err := c.withLocks(func() error {
			return c.db.IncrementUnread(ctx, chatID, 1)
		}, ChatsResource, ChatResource(chatID))
		if err != nil {
			c.logger.Error("failed to bump unread count", zap.String("chat_id", chatID), zap.Error(err))
		}
		c.announceOrLog(ctx, NotificationsResource)
	}
	c.invalidate(ChatsResource)
}

func (c *Coordinator) publishTyping(chatID string) {
	c.announceOrLog(c.ctx, TypingResource(chatID))
}

func (c *Coordinator) announceOrLog(ctx context.Context, res Resource) {
	if err := c.announce(ctx, res); err != nil {
		c.logger.Error("failed to announce update", zap.String("resource", string(res)), zap.Error(err))
	}
}

// OpenChat joins chatID's room, marks it as the chat on screen and resets its
// unread count.
func (c *Coordinator) OpenChat(ctx context.Context, chatID string) error {
	c.mu.Lock()
	c.current = chatID
	c.mu.Unlock()
	if c.channel != nil {
		c.channel.JoinChat(ctx, chatID)
	}

	chat, err := c.db.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat == nil || chat.UnreadCount == 0 {
		return nil
	}
	err = c.withLocks(func() error {
		return c.db.SetUnreadCount(ctx, chatID, 0)
	}, ChatsResource, ChatResource(chatID))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.notifications = max(c.notifications-chat.UnreadCount, 0)
	c.mu.Unlock()

	c.announceOrLog(ctx, ChatsResource)
	c.announceOrLog(ctx, NotificationsResource)
	return nil
}

// CloseChat leaves chatID's room and forgets who was typing there.
func (c *Coordinator) CloseChat(ctx context.Context, chatID string) {
	c.mu.Lock()
	if c.current == chatID {
		c.current = ""
	}
	c.mu.Unlock()
	if c.channel != nil {
		c.channel.LeaveChat(ctx, chatID)
	}
	if c.typing.clearChat(chatID) {
		c.publishTyping(chatID)
	}
}

// CurrentChat returns the chat on screen, or "".
func (c *Coordinator) CurrentChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ClearChat removes a chat, its messages and their media records from the
// local cache.
func (c *Coordinator) ClearChat(ctx context.Context, chatID string) error {
	err := c.withLocks(func() error {
		return c.db.ClearChat(ctx, chatID)
	}, ChatsResource, ChatResource(chatID), MessagesResource(chatID))
	if err != nil {
		return err
	}
	if err := c.rec.Forget(ctx, ChatResource(chatID), MessagesResource(chatID)); err != nil {
		return err
	}
	c.typing.clearChat(chatID)
	c.announceOrLog(ctx, ChatsResource)
	return nil
}

// ClearAll wipes the local cache, downloaded media and every piece of
// ephemeral state.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	if err := c.db.ClearAll(ctx); err != nil {
		return err
	}
	if err := c.rec.Reset(ctx); err != nil {
		return err
	}
	if c.media != nil {
		if err := c.media.Clear(); err != nil {
			return fmt.Errorf("clear media cache: %w", err)
		}
	}
	c.typing.clearAll()
	c.mu.Lock()
	c.online = make(map[string]struct{})
	c.notifications = 0
	c.current = ""
	c.mu.Unlock()
	return nil
}

// TypingUsers returns who is typing in chatID, ordered by id.
func (c *Coordinator) TypingUsers(chatID string) []realtime.TypingUser {
	return c.typing.users(chatID)
}

// OnlineUsers returns the ids of users currently online, sorted.
func (c *Coordinator) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.online))
	for id := range c.online {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// IsOnline reports whether userID is online.
func (c *Coordinator) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.online[userID]
	return ok
}

// NotificationCount returns the number of alerts for chats not on screen.
func (c *Coordinator) NotificationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifications
}

// CachedMediaPath returns the local file of a downloaded attachment. A record
// whose file has disappeared is dropped and reported as a miss.
func (c *Coordinator) CachedMediaPath(ctx context.Context, messageID string) (string, bool, error) {
	if c.media == nil {
		return "", false, ErrNoMediaCache
	}
	f, err := c.db.GetMediaFile(ctx, messageID)
	if err != nil || f == nil {
		return "", false, err
	}
	if !c.media.Exists(f.LocalPath) {
		if err := c.db.DeleteMediaFile(ctx, messageID); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return f.LocalPath, true, nil
}

// DownloadMedia fetches an attachment into the media cache and records it.
// A still-present earlier download is reused.
func (c *Coordinator) DownloadMedia(ctx context.Context, messageID, remoteURL, fileName string) (*store.MediaFile, error) {
	if _, ok, err := c.CachedMediaPath(ctx, messageID); err != nil {
		return nil, err
	} else if ok {
		return c.db.GetMediaFile(ctx, messageID)
	}

	if err := c.media.Init(); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	now := time.Now()
	path := c.media.PathFor(messageID, fileName, now)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create media file: %w", err)
	}
	n, err := c.gw.Download(ctx, remoteURL, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.media.Remove(path)
		return nil, err
	}

	mf := &store.MediaFile{
		ID:        uuid.NewString(),
		MessageID: messageID,
		FileName:  fileName,
		FileType:  media.Category(fileName),
		LocalPath: path,
		RemoteURL: remoteURL,
		Size:      n,
		CreatedAt: now.UnixMilli(),
	}
	if err := c.db.UpsertMediaFile(ctx, mf); err != nil {
		_ = c.media.Remove(path)
		return nil, err
	}
	c.logger.Debug("media cached",
		zap.String("msg_id", messageID),
		zap.String("path", path),
		zap.String("size", media.FormatSize(n)))
	return mf, nil
}

// mergeChat converts a server chat, keeping cached fields the server left out.
func mergeChat(remote *gateway.Chat, cached *store.Chat) store.Chat {
	sc := remote.ToStore()
	if cached == nil {
		return sc
	}
	switch {
	case laterThan(cached.LastMessageTime, sc.LastMessageTime):
		// A realtime message landed after the server built this snapshot.
		sc.LastMessage = cached.LastMessage
		sc.LastMessageTime = cached.LastMessageTime
	case remote.LastMessage == nil:
		sc.LastMessage = cached.LastMessage
		if sc.LastMessageTime == "" {
			sc.LastMessageTime = cached.LastMessageTime
		}
	}
	if remote.UnreadCount == nil {
		sc.UnreadCount = cached.UnreadCount
	}
	if len(remote.Members) == 0 {
		sc.Members = cached.Members
	}
	return sc
}

func toStoreMessages(chatID string, msgs []gateway.Message) []store.Message {
	out := make([]store.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].ToStore(chatID, store.StatusDelivered))
	}
	return out
}

func preview(m *store.Message) string {
	if m.Content != "" || len(m.Attachments) == 0 {
		return m.Content
	}
	return "Attachment"
}

// laterThan compares ISO-8601 timestamps. Unparsable values compare as
// strings; an empty value is never later.
func laterThan(a, b string) bool {
	switch {
	case a == "":
		return false
	case b == "":
		return true
	}
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}

func isoNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
