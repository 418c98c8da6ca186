package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// RESTClient talks to the request/response half of the chat API. Calls are
// never retried; failures surface as NetworkError or ServerError.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func NewRESTClient(cfg Config) *RESTClient {
	return &RESTClient{
		baseURL:    cfg.APIBaseURL(),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *RESTClient) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetToken sets the bearer token for authenticated requests.
func (c *RESTClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *RESTClient) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges a username and password for credentials. The token is also
// kept for later calls.
func (c *RESTClient) Login(ctx context.Context, username, password string) (Credentials, error) {
	body := map[string]string{"username": username, "password": password}
	var raw map[string]any
	if err := c.send(ctx, "login", http.MethodPost, "/login", body, &raw); err != nil {
		return Credentials{}, err
	}
	creds := Credentials{
		Identity: Identity(lookupString(raw, []string{"user_id", "id"})),
		Token:    lookupString(raw, []string{"token", "access_token"}),
	}
	if creds.Identity == "" || creds.Token == "" {
		return Credentials{}, &Error{Kind: KindProtocol, Code: CodeMalformed, Op: "login", Reason: "response missing token or user_id"}
	}
	c.SetToken(creds.Token)
	return creds, nil
}

// GetHistory returns the conversation between a and b, oldest first.
func (c *RESTClient) GetHistory(ctx context.Context, a, b Identity) ([]Message, error) {
	path := fmt.Sprintf("/messages/%s/%s", url.PathEscape(a.String()), url.PathEscape(b.String()))
	items, err := c.getList(ctx, "history", path, "messages", "data")
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(items))
	for _, raw := range items {
		msgs = append(msgs, Normalize(raw))
	}
	sort.SliceStable(msgs, func(i, j int) bool { return messageLess(msgs[i], msgs[j]) })
	return msgs, nil
}

// GetContacts lists the people identity has talked to.
func (c *RESTClient) GetContacts(ctx context.Context, identity Identity) ([]Contact, error) {
	path := "/contacts/" + url.PathEscape(identity.String())
	items, err := c.getList(ctx, "contacts", path, "contacts", "data")
	if err != nil {
		return nil, err
	}
	contacts := make([]Contact, 0, len(items))
	for _, raw := range items {
		if ct := NormalizeContact(raw); ct.ID != "" {
			contacts = append(contacts, ct)
		}
	}
	return contacts, nil
}

// MarkRead flags a received message as read.
func (c *RESTClient) MarkRead(ctx context.Context, messageID string) error {
	return c.send(ctx, "mark_read", http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// GetUnreadCount returns how many messages addressed to identity are unread.
func (c *RESTClient) GetUnreadCount(ctx context.Context, identity Identity) (int, error) {
	var raw map[string]any
	if err := c.send(ctx, "unread", http.MethodGet, "/messages/unread/"+url.PathEscape(identity.String()), nil, &raw); err != nil {
		return 0, err
	}
	v, ok := lookup(raw, []string{"count", "unread"})
	if !ok {
		return 0, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, &Error{Kind: KindProtocol, Code: CodeMalformed, Op: "unread", Wrapped: err}
	}
	return n, nil
}

// DeleteMessage removes a message the caller sent.
func (c *RESTClient) DeleteMessage(ctx context.Context, messageID string) error {
	return c.send(ctx, "delete", http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

// SendWithImage posts a message with an attached image as multipart form data.
func (c *RESTClient) SendWithImage(ctx context.Context, to Identity, content, filename string, image io.Reader) (Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("to_user_id", to.String())
	_ = w.WriteField("content", content)
	if image != nil {
		part, err := w.CreateFormFile("image", filename)
		if err != nil {
			return Message{}, err
		}
		if _, err := io.Copy(part, image); err != nil {
			return Message{}, err
		}
	}
	if err := w.Close(); err != nil {
		return Message{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/messages", &buf)
	if err != nil {
		return Message{}, NetworkError("send_image", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var raw map[string]any
	if err := c.do("send_image", req, &raw); err != nil {
		return Message{}, err
	}
	if inner, ok := raw["message"].(map[string]any); ok {
		raw = inner
	}
	return Normalize(raw), nil
}

// getList fetches a collection that may come back as a bare array or wrapped
// in an object under one of keys.
func (c *RESTClient) getList(ctx context.Context, op, path string, keys ...string) ([]map[string]any, error) {
	var body json.RawMessage
	if err := c.send(ctx, op, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	var list []any
	if err := decodeJSON(body, &list); err != nil {
		obj, ok := decodeObject(body)
		if !ok {
			return nil, &Error{Kind: KindProtocol, Code: CodeMalformed, Op: op, Wrapped: err}
		}
		inner, found := lookup(obj, keys)
		if !found {
			return nil, nil
		}
		if list, ok = inner.([]any); !ok {
			return nil, &Error{Kind: KindProtocol, Code: CodeMalformed, Op: op, Reason: "expected a list"}
		}
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *RESTClient) send(ctx context.Context, op, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return NetworkError(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(op, req, dest)
}

func (c *RESTClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func (c *RESTClient) do(op string, req *http.Request, dest any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NetworkError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NetworkError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ServerError(op, resp.StatusCode, errorReason(body))
	}

	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if raw, ok := dest.(*json.RawMessage); ok {
		*raw = body
		return nil
	}
	if err := decodeJSON(body, dest); err != nil {
		return &Error{Kind: KindProtocol, Code: CodeMalformed, Op: op, Wrapped: err}
	}
	return nil
}

func errorReason(body []byte) string {
	var e struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != nil {
		if s, ok := e.Error.(string); ok {
			return s
		}
		b, _ := json.Marshal(e.Error)
		return string(b)
	}
	return strings.TrimSpace(string(body))
}
