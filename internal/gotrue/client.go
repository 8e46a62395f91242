package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// URL is the project base URL; the API lives under /auth/v1.
	URL     string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	session *Session

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		base:      strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: timeout},
		log:       zerolog.Nop(),
		now:       time.Now,
		listeners: map[int]Listener{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("component", "gotrue").Logger()
	return c
}

// OnAuthStateChange registers fn and returns a function that removes it.
func (c *Client) OnAuthStateChange(fn Listener) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Client) emit(ev Event, s *Session) {
	c.listenersMu.Lock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	c.log.Debug().Str("event", string(ev)).Msg("auth state changed")
	for _, fn := range fns {
		fn(ev, s.clone())
	}
}

// GetSession returns the current session, or nil when signed out.
func (c *Client) GetSession(context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone(), nil
}

// SetSession installs a session obtained elsewhere, e.g. restored from disk.
func (c *Client) SetSession(s *Session) {
	if s == nil {
		return
	}
	s = s.clone()
	resolveExpiry(s, c.now())
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.emit(EventSignedIn, s)
}

func (c *Client) accessToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.AccessToken == "" {
		return "", ErrNoSession
	}
	return c.session.AccessToken, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &s); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	resolveExpiry(&s, c.now())

	c.mu.Lock()
	c.session = s.clone()
	c.mu.Unlock()
	c.emit(EventSignedIn, &s)
	return &s, nil
}

// RefreshSession exchanges the current refresh token for a new session. On
// failure the current session is kept.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	var refresh string
	if c.session != nil {
		refresh = c.session.RefreshToken
	}
	c.mu.Unlock()
	if refresh == "" {
		return nil, ErrNoSession
	}

	body := map[string]string{"refresh_token": refresh}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &s); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	resolveExpiry(&s, c.now())

	c.mu.Lock()
	c.session = s.clone()
	c.mu.Unlock()
	c.emit(EventTokenRefreshed, &s)
	return &s, nil
}

func (c *Client) GetUser(ctx context.Context) (*User, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}
	var u User
	if err := c.do(ctx, http.MethodGet, "/user", token, nil, &u); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// SignOut drops the local session and revokes it on the server. The local
// session is gone even when the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	var err error
	if s != nil && s.AccessToken != "" {
		err = c.do(ctx, http.MethodPost, "/logout", s.AccessToken, nil, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Status {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				// already revoked
				err = nil
			}
		}
	}
	c.emit(EventSignedOut, nil)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(b, &eb)
		return eb.apiError(resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
