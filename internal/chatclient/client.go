package chatclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// IdentityProvider resolves who the client is acting for.
type IdentityProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticIdentity provides fixed credentials, e.g. from flags or a stored token.
type StaticIdentity Credentials

func (s StaticIdentity) Credentials(context.Context) (Credentials, error) {
	if s.Identity == "" {
		return Credentials{}, &Error{Kind: KindValidation, Code: CodeInvalidArgument, Op: "identity", Reason: "identity is required"}
	}
	return Credentials(s), nil
}

// PasswordLogin obtains credentials by logging in over REST.
type PasswordLogin struct {
	REST     *RESTClient
	Username string
	Password string
}

func (p PasswordLogin) Credentials(ctx context.Context) (Credentials, error) {
	return p.REST.Login(ctx, p.Username, p.Password)
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	dialer     Dialer
	httpClient *http.Client
	logger     *slog.Logger
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

// WithHTTPClient sets the HTTP client used for REST calls and the socket handshake.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Client wires a session, its event hub, the ack bridge, the REST client and
// the in-memory conversations for one signed-in user.
type Client struct {
	logger   *slog.Logger
	identity IdentityProvider

	hub     *EventHub
	session *Session
	bridge  *AckBridge
	rest    *RESTClient
	store   *ConversationStore

	mu       sync.RWMutex
	self     Credentials
	contacts []Contact
	unsubs   []func()
}

func New(cfg Config, identity IdentityProvider, opts ...Option) (*Client, error) {
	if identity == nil {
		return nil, errors.New("chatclient: identity provider is required")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	rest := NewRESTClient(cfg)
	rest.SetHTTPClient(o.httpClient)
	if o.dialer == nil {
		d := NewWebSocketDialer(cfg)
		d.SetHTTPClient(o.httpClient)
		o.dialer = d
	}

	hub := NewEventHub(o.logger)
	session, err := NewSession(cfg, o.dialer, hub, o.logger)
	if err != nil {
		return nil, err
	}
	bridge, err := NewAckBridge(session, cfg.AckTimeout, o.logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:   o.logger.With("component", "client"),
		identity: identity,
		hub:      hub,
		session:  session,
		bridge:   bridge,
		rest:     rest,
		store:    NewConversationStore(),
	}
	// Registered first so the store is current before UI handlers run.
	c.unsubs = append(c.unsubs, hub.SubscribeMessage(func(m Message) { c.store.Insert(m) }))
	return c, nil
}

// Start resolves credentials, connects and loads the contact list.
func (c *Client) Start(ctx context.Context) error {
	creds, err := c.identity.Credentials(ctx)
	if err != nil {
		return err
	}
	c.rest.SetToken(creds.Token)
	c.mu.Lock()
	c.self = creds
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.session.Connect(gctx, creds)
	})
	g.Go(func() error {
		_, err := c.RefreshContacts(gctx)
		return err
	})
	return g.Wait()
}

// Self returns the signed-in identity.
func (c *Client) Self() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self.Identity
}

// Events exposes the hub for UI subscriptions.
func (c *Client) Events() *EventHub { return c.hub }

func (c *Client) State() ConnectionState { return c.session.State() }

// IsOnline reports whether id was in the last presence set.
func (c *Client) IsOnline(id Identity) bool { return c.session.Presence().IsOnline(id) }

// Reconnect asks the session to retry after it gave up or failed to dial.
func (c *Client) Reconnect() bool { return c.session.TriggerReconnect() }

// Contacts returns the last loaded contact list.
func (c *Client) Contacts() []Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Contact, len(c.contacts))
	copy(out, c.contacts)
	return out
}

// RefreshContacts reloads the contact list from the server.
func (c *Client) RefreshContacts(ctx context.Context) ([]Contact, error) {
	contacts, err := c.rest.GetContacts(ctx, c.Self())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.contacts = contacts
	c.mu.Unlock()
	return contacts, nil
}

// Conversation returns the buffered conversation with peer.
func (c *Client) Conversation(peer Identity) *Conversation {
	return c.store.Get(KeyFor(c.Self(), peer))
}

// Open loads history with peer and merges it with anything already received
// live, returning the combined, ordered view.
func (c *Client) Open(ctx context.Context, peer Identity) ([]Message, error) {
	history, err := c.rest.GetHistory(ctx, c.Self(), peer)
	if err != nil {
		return nil, err
	}
	conv := c.Conversation(peer)
	conv.Merge(history)
	return conv.Messages(), nil
}

// Send shows content immediately as a local message and delivers it. On
// failure the local copy is withdrawn and a *SendError keeps the text.
func (c *Client) Send(ctx context.Context, peer Identity, content string) (Message, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return Message{}, &SendError{To: peer, Content: content, Err: opError("send", ErrEmptyContent)}
	}

	// The server stores milliseconds; truncating keeps the echo comparable.
	now := time.Now().UTC().Truncate(time.Millisecond)
	local := Message{
		ID:         localIDPrefix + uuid.NewString(),
		FromUserID: c.Self(),
		ToUserID:   peer,
		Content:    text,
		Timestamp:  now,
	}
	conv := c.Conversation(peer)
	conv.Insert(local)

	msg, err := c.bridge.SendAt(ctx, peer, text, now)
	if err != nil {
		conv.Remove(local.ID)
		c.logger.Warn("send failed", "to", peer, "err", err)
		return Message{}, &SendError{To: peer, Content: content, Err: err}
	}
	if msg.ID != "" {
		// The server may have rewritten the timestamp, so match by id.
		conv.Remove(local.ID)
		conv.Insert(msg)
	}
	return msg, nil
}

// SendImage uploads an image message over REST.
func (c *Client) SendImage(ctx context.Context, peer Identity, content, filename string, r io.Reader) (Message, error) {
	msg, err := c.rest.SendWithImage(ctx, peer, content, filename, r)
	if err != nil {
		return Message{}, err
	}
	c.store.Insert(msg)
	return msg, nil
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.rest.MarkRead(ctx, messageID)
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	return c.rest.GetUnreadCount(ctx, c.Self())
}

// DeleteMessage deletes a sent message and drops it from the local conversation.
func (c *Client) DeleteMessage(ctx context.Context, peer Identity, messageID string) error {
	if err := c.rest.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	c.Conversation(peer).Remove(messageID)
	return nil
}

// Close disconnects and releases subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	c.session.Close()
	for _, u := range unsubs {
		u()
	}
}
