package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	eventNewMessage  = "newMessage"
	eventOnlineUsers = "onlineUsers"
	eventSendMessage = "sendMessage"
	eventAck         = "ack"
	eventError       = "error"
)

// Envelope is the wire wrapper for every socket frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendPayload is the body of an outbound sendMessage frame.
type SendPayload struct {
	ToUserID  Identity `json:"to_user_id"`
	Content   string   `json:"content"`
	CreatedAt int64    `json:"created_at"`
}

type ackPayload struct {
	Error   string          `json:"error,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Conn is one open channel to the server.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Dialer opens a Conn for an identity.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, creds Credentials) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, creds Credentials) (Conn, error) { return f(ctx, creds) }

const maxFrameSize = 1 << 20

// WebSocketDialer dials the server socket endpoint.
type WebSocketDialer struct {
	cfg        Config
	httpClient *http.Client
}

func NewWebSocketDialer(cfg Config) *WebSocketDialer {
	return &WebSocketDialer{cfg: cfg}
}

// SetHTTPClient allows setting a custom HTTP client for the handshake.
func (d *WebSocketDialer) SetHTTPClient(client *http.Client) {
	d.httpClient = client
}

func (d *WebSocketDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	u, err := d.cfg.SocketURL(creds)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if d.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
		defer cancel()
	}

	opts := &websocket.DialOptions{HTTPClient: d.httpClient}
	if creds.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + creds.Token}}
	}
	ws, _, err := websocket.Dial(dialCtx, u, opts)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxFrameSize)
	return &wsConn{ws: ws, readTimeout: d.cfg.ReadTimeout, writeTimeout: d.cfg.WriteTimeout}, nil
}

// wsConn wraps websocket.Conn with timeouts.
type wsConn struct {
	ws           *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	var env Envelope
	err := wsjson.Read(ctx, c.ws, &env)
	return env, err
}

func (c *wsConn) Write(ctx context.Context, env Envelope) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, env)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client close")
}
