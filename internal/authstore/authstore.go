// Package authstore holds the read-only projection of the signed-in user
// that the rest of the process observes. Only the session manager dispatches
// to it.
package authstore

import (
	"sync"
	"time"
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type State struct {
	Token string `json:"token,omitempty"`
	// Session is the refresh token of the current backend session.
	Session         string    `json:"session,omitempty"`
	User            *User     `json:"user,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt"`
	LastActivity    time.Time `json:"lastActivity"`
	IsAuthenticated bool      `json:"isAuthenticated"`
}

// Action is one of SignIn, Logout, UpdateActivity or RefreshToken.
type Action interface {
	reduce(State) State
}

type SignIn struct {
	Token     string
	User      User
	Session   string
	ExpiresAt time.Time
	At        time.Time
}

func (a SignIn) reduce(State) State {
	u := a.User
	if u.Role == "" {
		u.Role = "user"
	}
	return State{
		Token:           a.Token,
		Session:         a.Session,
		User:            &u,
		ExpiresAt:       a.ExpiresAt,
		LastActivity:    a.At,
		IsAuthenticated: true,
	}
}

type Logout struct{}

func (Logout) reduce(State) State { return State{} }

type UpdateActivity struct {
	At time.Time
}

func (a UpdateActivity) reduce(s State) State {
	if !s.IsAuthenticated {
		return s
	}
	s.LastActivity = a.At
	return s
}

// RefreshToken replaces the tokens and expiry of the signed-in session. It
// is not user activity and leaves LastActivity alone.
type RefreshToken struct {
	Token     string
	Session   string
	ExpiresAt time.Time
}

func (a RefreshToken) reduce(s State) State {
	if !s.IsAuthenticated {
		return s
	}
	s.Token = a.Token
	if a.Session != "" {
		s.Session = a.Session
	}
	s.ExpiresAt = a.ExpiresAt
	return s
}

// Reduce applies a to s.
func Reduce(s State, a Action) State {
	if a == nil {
		return s
	}
	return a.reduce(s)
}

type Store struct {
	mu    sync.Mutex
	state State

	subsMu sync.Mutex
	subs   map[int]func(State)
	nextID int
}

func New() *Store {
	return &Store{subs: map[int]func(State){}}
}

// Dispatch reduces a into the current state and notifies subscribers with the
// new snapshot.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	s.state = Reduce(s.state, a)
	snap := s.state.clone()
	s.mu.Unlock()

	s.subsMu.Lock()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn for every later dispatch. The returned function
// removes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (st State) clone() State {
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}
