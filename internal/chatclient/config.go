package chatclient

import (
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy controls how a dropped session retries. Multiplier 1 gives
// a fixed delay; MaxAttempts 0 retries forever.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	MaxAttempts  int
}

func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialDelay),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
	}
	b.Reset()
	return b
}

// Config controls how the client reaches the chat server.
type Config struct {
	ServerURL        string // e.g. "http://localhost:8080"
	SocketPath       string
	APIPath          string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 0 disables; the server keeps idle sockets alive with pings
	WriteTimeout     time.Duration
	AckTimeout       time.Duration
	HTTPTimeout      time.Duration
	Reconnect        ReconnectPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:        "http://localhost:8080",
		SocketPath:       "/socket",
		APIPath:          "/api",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		AckTimeout:       10 * time.Second,
		HTTPTimeout:      30 * time.Second,
		Reconnect: ReconnectPolicy{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       0.2,
			MaxAttempts:  8,
		},
	}
}

// SocketURL derives the websocket endpoint, carrying the identity and token
// as handshake parameters.
func (c Config) SocketURL(creds Credentials) (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.SocketPath
	q := u.Query()
	q.Set("user_id", creds.Identity.String())
	if creds.Token != "" {
		q.Set("token", creds.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// APIBaseURL is the prefix every REST path is appended to.
func (c Config) APIBaseURL() string {
	return strings.TrimSuffix(c.ServerURL, "/") + c.APIPath
}
