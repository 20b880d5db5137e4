// Package chatsync is a client-side data layer for a chat server. It keeps a
// local SQLite cache of chats and messages in step with the server's REST API
// and realtime push channel, and lets a presentation layer read, write and
// watch that data.
package chatsync

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/app"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type (
	Chat          = store.Chat
	Message       = store.Message
	MediaFile     = store.MediaFile
	Attachment    = store.Attachment
	User          = gateway.User
	Notification  = gateway.Notification
	Upload        = gateway.Upload
	ProfileUpdate = gateway.ProfileUpdate
	Register      = gateway.RegisterRequest
	Resource      = intsync.Resource
	Update        = intsync.Update
	TypingUser    = realtime.TypingUser
	State         = status.State
	Config        = config.Config
)

// Resources that can be passed to Watch.
const (
	ChatsResource         = intsync.ChatsResource
	PresenceResource      = intsync.PresenceResource
	NotificationsResource = intsync.NotificationsResource
)

var (
	ChatResource     = intsync.ChatResource
	MessagesResource = intsync.MessagesResource
	TypingResource   = intsync.TypingResource
)

// Errors returned by Client methods. Match them with errors.Is.
var (
	ErrUnauthorized   = gateway.ErrUnauthorized
	ErrForbidden      = gateway.ErrForbidden
	ErrNotFound       = gateway.ErrNotFound
	ErrServer         = gateway.ErrServer
	ErrNetwork        = gateway.ErrNetwork
	ErrValidation     = gateway.ErrValidation
	ErrRequest        = gateway.ErrRequest
	ErrNotInitialized = store.ErrNotInitialized
)

// Options selects the session and where its configuration comes from.
type Options struct {
	// Session name; empty uses the configured default.
	Session string
	// Root directory for sessions and config; empty uses ~/.chatsync.
	Root string
	// Config overrides the config file when set.
	Config *Config
	// ConfigPath of the TOML config; empty uses <root>/config.toml.
	ConfigPath string
	// EnvFiles are .env files read before applying environment overrides.
	EnvFiles []string
	// Console also logs to stderr.
	Console bool
}

// Client is an open session. Read, write and watch methods come from the
// embedded coordinator.
type Client struct {
	*intsync.Coordinator

	app     *fx.App
	gw      *gateway.Client
	channel *realtime.Channel
	bus     *bus.Bus
	creds   *session.Credentials
	logger  *zap.Logger
}

// New opens a session, migrating its local store and connecting the realtime
// channel when a credential is present.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	c := &Client{}
	c.app = fx.New(
		app.Module(app.Params{
			SessionName: session.Resolve(opts.Session, cfg),
			Root:        opts.Root,
			Config:      cfg,
			Console:     opts.Console,
		}),
		fx.Populate(&c.Coordinator, &c.gw, &c.channel, &c.bus, &c.creds, &c.logger),
		fx.NopLogger,
	)
	if err := c.app.Err(); err != nil {
		return nil, err
	}
	if err := c.app.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func loadConfig(opts Options) (*Config, error) {
	if opts.Config != nil {
		return opts.Config, nil
	}
	if err := config.LoadEnv(opts.EnvFiles...); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	path := opts.ConfigPath
	if path == "" {
		path = session.NewLayout(opts.Root, "").ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	config.ApplyEnv(cfg)
	return cfg, nil
}

// Close disconnects and releases the session.
func (c *Client) Close(ctx context.Context) error {
	return c.app.Stop(ctx)
}

// Login signs in, stores the credential and connects the realtime channel.
func (c *Client) Login(ctx context.Context, username, password string) (*User, error) {
	res, err := c.gw.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	c.connect(ctx)
	return res.User, nil
}

// SignUp creates an account and signs in.
func (c *Client) SignUp(ctx context.Context, req Register) (*User, error) {
	res, err := c.gw.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	c.connect(ctx)
	return res.User, nil
}

func (c *Client) connect(ctx context.Context) {
	if err := c.channel.Connect(ctx); err != nil {
		c.logger.Warn("realtime connect failed", zap.Error(err))
	}
}

// Logout ends the session on the server and wipes local data.
func (c *Client) Logout(ctx context.Context) error {
	err := c.gw.Logout(ctx)
	c.channel.Disconnect()
	if cerr := c.ClearAll(ctx); cerr != nil {
		return cerr
	}
	return err
}

// SignedIn reports whether a usable credential is stored.
func (c *Client) SignedIn() bool {
	return c.creds.Valid()
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	return c.gw.Me(ctx)
}

// SearchUsers finds users by name.
func (c *Client) SearchUsers(ctx context.Context, name string) ([]User, error) {
	return c.gw.SearchUsers(ctx, name)
}

// Notifications lists pending friend requests.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	return c.gw.Notifications(ctx)
}

// SendFriendRequest asks userID to connect.
func (c *Client) SendFriendRequest(ctx context.Context, userID string) error {
	return c.gw.SendFriendRequest(ctx, userID)
}

// AcceptFriendRequest answers a friend request. Accepting creates a chat, so
// the chat list is refreshed.
func (c *Client) AcceptFriendRequest(ctx context.Context, requestID string, accept bool) error {
	if err := c.gw.AcceptFriendRequest(ctx, requestID, accept); err != nil {
		return err
	}
	if accept {
		_, err := c.RefreshChats(ctx)
		return err
	}
	return nil
}

// UpdateProfile changes the signed-in user's profile.
func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*User, error) {
	return c.gw.UpdateProfile(ctx, upd)
}

// ConnectionState returns the realtime connection state.
func (c *Client) ConnectionState() State {
	return c.channel.State()
}

// WatchConnection calls fn on every realtime state change.
func (c *Client) WatchConnection(fn func(from, to State)) func() {
	return c.bus.On(status.EventStateChanged, func(e bus.Event) {
		if sc, ok := e.Payload.(status.StatusChange); ok {
			fn(sc.From, sc.To)
		}
	})
}

// OnSignedOut calls fn when the server rejects the stored credential.
func (c *Client) OnSignedOut(fn func()) func() {
	return c.bus.On(gateway.EventUnauthorized, func(bus.Event) { fn() })
}
