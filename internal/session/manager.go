// Package session decides whether the user is signed in. It layers an
// inactivity timeout and proactive token refresh on top of the auth backend's
// own expiry, and publishes the result to the auth store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crmshield/internal/authstore"
	"crmshield/internal/gotrue"
)

var (
	ErrNotStarted     = errors.New("session: manager not started")
	ErrAlreadyStarted = errors.New("session: manager already started")
)

type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason says why a session ended.
type Reason string

const (
	ReasonExpired       Reason = "expired"
	ReasonInactive      Reason = "inactive"
	ReasonRefreshFailed Reason = "refresh-failed"
	ReasonSignedOut     Reason = "signed-out"
)

// Message is the user-facing text for a terminated session.
func (r Reason) Message() string {
	switch r {
	case ReasonExpired:
		return "Your session has expired. Please sign in again."
	case ReasonInactive:
		return "You were signed out due to inactivity."
	case ReasonRefreshFailed:
		return "Your session could not be renewed. Please sign in again."
	default:
		return "You have been signed out."
	}
}

// Backend is the auth service the manager drives. *gotrue.Client implements
// it.
type Backend interface {
	GetSession(ctx context.Context) (*gotrue.Session, error)
	GetUser(ctx context.Context) (*gotrue.User, error)
	SignInWithPassword(ctx context.Context, email, password string) (*gotrue.Session, error)
	SignOut(ctx context.Context) error
	RefreshSession(ctx context.Context) (*gotrue.Session, error)
	OnAuthStateChange(fn gotrue.Listener) func()
}

// Publisher receives the public projection. *authstore.Store implements it.
type Publisher interface {
	Dispatch(authstore.Action)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Notifier is told when a session ends, e.g. to show a message and send the
// user to the login page.
type Notifier interface {
	SessionEnded(reason Reason)
}

type NotifierFunc func(Reason)

func (f NotifierFunc) SessionEnded(r Reason) { f(r) }

type Options struct {
	CheckInterval     time.Duration
	InactivityTimeout time.Duration
	RefreshThreshold  time.Duration
}

func DefaultOptions() Options {
	return Options{
		CheckInterval:     time.Minute,
		InactivityTimeout: 30 * time.Minute,
		RefreshThreshold:  5 * time.Minute,
	}
}

type current struct {
	user         gotrue.User
	session      *gotrue.Session
	expiresAt    time.Time
	lastActivity time.Time
}

type Manager struct {
	backend  Backend
	store    Publisher
	activity *ActivityBus
	opts     Options
	clock    Clock
	notifier Notifier
	log      zerolog.Logger

	mu           sync.Mutex
	started      bool
	state        State
	cur          *current
	refreshing   bool
	unsubBackend func()
	unsubActive  func()
	stopTicker   context.CancelFunc

	tickers sync.WaitGroup
}

type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(backend Backend, store Publisher, activity *ActivityBus, opts Options, options ...Option) *Manager {
	def := DefaultOptions()
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = def.CheckInterval
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = def.InactivityTimeout
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = def.RefreshThreshold
	}
	if activity == nil {
		activity = NewActivityBus()
	}
	m := &Manager{
		backend:  backend,
		store:    store,
		activity: activity,
		opts:     opts,
		clock:    systemClock{},
		log:      zerolog.Nop(),
	}
	for _, o := range options {
		o(m)
	}
	m.log = m.log.With().Str("component", "session").Logger()
	return m
}

// Start subscribes to backend auth events and adopts an existing backend
// session if there is one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	unsub := m.backend.OnAuthStateChange(m.handleAuthEvent)
	m.mu.Lock()
	m.unsubBackend = unsub
	m.mu.Unlock()

	s, err := m.backend.GetSession(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Error checking existing session")
		return nil
	}
	if s != nil {
		m.handleSignIn(s)
	}
	return nil
}

// Stop unsubscribes from the backend and stops the periodic check and the
// activity listener. Session state is kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	unsub := m.unsubBackend
	m.unsubBackend = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.stopMonitoring()
	m.tickers.Wait()
}

func (m *Manager) handleAuthEvent(ev gotrue.Event, s *gotrue.Session) {
	switch ev {
	case gotrue.EventSignedIn:
		if s != nil {
			m.handleSignIn(s)
		}
	case gotrue.EventTokenRefreshed:
		if s != nil {
			m.updateSession(s)
		}
	case gotrue.EventSignedOut:
		m.clearLocal(ReasonSignedOut)
	}
}

func (m *Manager) handleSignIn(s *gotrue.Session) {
	now := m.clock.Now()
	m.mu.Lock()
	m.cur = &current{
		user:         s.User,
		session:      s,
		expiresAt:    s.Expiry(),
		lastActivity: now,
	}
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.store.Dispatch(authstore.SignIn{
		Token: s.AccessToken,
		User: authstore.User{
			ID:    s.User.ID,
			Email: s.User.Email,
			Role:  s.User.Role,
		},
		Session:   s.RefreshToken,
		ExpiresAt: s.Expiry(),
		At:        now,
	})
	m.log.Info().Str("user_id", s.User.ID).Time("expires_at", s.Expiry()).Msg("Session started")
	m.startMonitoring()
}

// updateSession takes a refreshed token. It does not count as user activity.
func (m *Manager) updateSession(s *gotrue.Session) {
	m.mu.Lock()
	if m.cur == nil {
		m.mu.Unlock()
		return
	}
	m.cur.session = s
	m.cur.expiresAt = s.Expiry()
	if s.User.ID != "" {
		m.cur.user = s.User
	}
	m.mu.Unlock()
	m.publishRefresh(s)
}

func (m *Manager) publishRefresh(s *gotrue.Session) {
	m.store.Dispatch(authstore.RefreshToken{
		Token:     s.AccessToken,
		Session:   s.RefreshToken,
		ExpiresAt: s.Expiry(),
	})
}

func (m *Manager) startMonitoring() {
	m.stopMonitoring()

	ctx, cancel := context.WithCancel(context.Background())
	unsub := m.activity.Subscribe(m.touch)

	m.mu.Lock()
	m.stopTicker = cancel
	m.unsubActive = unsub
	m.mu.Unlock()

	m.tickers.Add(1)
	go func() {
		defer m.tickers.Done()
		t := time.NewTicker(m.opts.CheckInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				// ctx is cancelled by any sign-out this check triggers.
				m.Check(context.Background())
			}
		}
	}()
}

// stopMonitoring does not wait for the ticker goroutine: it may be the
// caller.
func (m *Manager) stopMonitoring() {
	m.mu.Lock()
	cancel := m.stopTicker
	unsub := m.unsubActive
	m.stopTicker = nil
	m.unsubActive = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

func (m *Manager) touch(ActivityKind) {
	now := m.clock.Now()
	m.mu.Lock()
	if m.cur == nil {
		m.mu.Unlock()
		return
	}
	m.cur.lastActivity = now
	m.mu.Unlock()
	m.store.Dispatch(authstore.UpdateActivity{At: now})
}

// Check evaluates the session once: hard expiry first, then inactivity, then
// whether the token is due for refresh. At most one of them acts.
func (m *Manager) Check(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	cur := m.cur
	if cur == nil {
		m.mu.Unlock()
		return
	}
	switch {
	case !now.Before(cur.expiresAt):
		m.mu.Unlock()
		m.log.Info().Msg("Session expired, logging out")
		_ = m.signOut(ctx, ReasonExpired)
	case now.Sub(cur.lastActivity) >= m.opts.InactivityTimeout:
		m.mu.Unlock()
		m.log.Info().Msg("Session inactive, logging out")
		_ = m.signOut(ctx, ReasonInactive)
	case cur.expiresAt.Sub(now) <= m.opts.RefreshThreshold && !m.refreshing:
		m.refreshing = true
		m.state = StateRefreshing
		m.mu.Unlock()
		m.refresh(ctx)
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) refresh(ctx context.Context) {
	s, err := m.backend.RefreshSession(ctx)
	if err == nil && s == nil {
		err = gotrue.ErrNoSession
	}

	m.mu.Lock()
	m.refreshing = false
	if err != nil {
		m.mu.Unlock()
		m.log.Error().Err(err).Msg("Error refreshing token")
		_ = m.signOut(ctx, ReasonRefreshFailed)
		return
	}
	signedIn := m.cur != nil
	if signedIn {
		m.cur.session = s
		m.cur.expiresAt = s.Expiry()
		m.state = StateAuthenticated
	}
	m.mu.Unlock()
	if signedIn {
		m.publishRefresh(s)
	}
	m.log.Debug().Time("expires_at", s.Expiry()).Msg("Token refreshed")
}

// clearLocal ends the local session. It reports false when there was none.
func (m *Manager) clearLocal(reason Reason) bool {
	m.mu.Lock()
	had := m.cur != nil
	m.cur = nil
	m.state = StateAnonymous
	m.mu.Unlock()

	m.stopMonitoring()
	if !had {
		return false
	}
	m.store.Dispatch(authstore.Logout{})
	m.log.Info().Str("reason", string(reason)).Msg("Session ended")
	if m.notifier != nil {
		m.notifier.SessionEnded(reason)
	}
	return true
}

// signOut clears local state before calling the backend, so the backend's
// own signed-out event finds nothing left to end.
func (m *Manager) signOut(ctx context.Context, reason Reason) error {
	m.clearLocal(reason)
	if err := m.backend.SignOut(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Backend sign out failed")
		return err
	}
	return nil
}

// SignOut ends the session. Local state is cleared even when the backend call
// fails; that error is returned.
func (m *Manager) SignOut(ctx context.Context) error {
	return m.signOut(ctx, ReasonSignedOut)
}

// SignInWithPassword signs in through the backend. The session becomes
// authenticated through the backend's sign-in event.
func (m *Manager) SignInWithPassword(ctx context.Context, email, password string) (*gotrue.Session, error) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	return m.backend.SignInWithPassword(ctx, email, password)
}

func (m *Manager) GetSession(ctx context.Context) (*gotrue.Session, error) {
	return m.backend.GetSession(ctx)
}

func (m *Manager) GetUser(ctx context.Context) (*gotrue.User, error) {
	return m.backend.GetUser(ctx)
}

func (m *Manager) IsAuthenticated() bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil && m.cur.expiresAt.After(now)
}

// UserID returns the signed-in user's id, or "".
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.user.ID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Activity returns the bus user interactions should be emitted on.
func (m *Manager) Activity() *ActivityBus { return m.activity }
