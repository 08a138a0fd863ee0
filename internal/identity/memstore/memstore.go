// Package memstore is an in-memory identity.Store with bcrypt password
// hashing.
package memstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/identity"
)

// DefaultSessionTTL is how long a session stays valid.
const DefaultSessionTTL = 12 * time.Hour

const minPasswordLen = 6

type user struct {
	id    string
	email string
	hash  []byte
}

// Store keeps users, sessions and profiles in maps.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*user // by email
	sessions map[string]identity.Session
	profiles map[string]identity.Profile

	ttl  time.Duration
	cost int
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithCost sets the bcrypt cost; tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		users:    make(map[string]*user),
		sessions: make(map[string]identity.Session),
		profiles: make(map[string]identity.Profile),
		ttl:      DefaultSessionTTL,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp registers email and opens a session for it.
func (s *Store) SignUp(_ context.Context, email, password string) (*identity.Session, error) {
	email = normalize(email)
	if !strings.Contains(email, "@") {
		return nil, fault.ValidationError("sign_up", "email is invalid")
	}
	if len(password) < minPasswordLen {
		return nil, fault.ValidationError("sign_up", fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return nil, identity.ErrEmailTaken
	}
	u := &user{id: ulid.Make().String(), email: email, hash: hash}
	s.users[email] = u
	return s.openLocked(u)
}

// SignIn checks the password and opens a session.
func (s *Store) SignIn(_ context.Context, email, password string) (*identity.Session, error) {
	email = normalize(email)

	s.mu.RLock()
	u, ok := s.users[email]
	s.mu.RUnlock()
	if !ok {
		return nil, identity.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, identity.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("compare password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(u)
}

func (s *Store) openLocked(u *user) (*identity.Session, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	sess := identity.Session{
		Token:     hex.EncodeToString(b[:]),
		UserID:    u.id,
		Email:     u.email,
		ExpiresAt: s.now().Add(s.ttl),
	}
	s.sessions[sess.Token] = sess
	return &sess, nil
}

// GetSession returns the live session for token. Expired sessions are
// removed.
func (s *Store) GetSession(_ context.Context, token string) (*identity.Session, bool, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return nil, false, nil
	}
	return &sess, true, nil
}

// SignOut removes the session. Unknown tokens are not an error.
func (s *Store) SignOut(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (*identity.Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (s *Store) CreateProfile(_ context.Context, p identity.Profile) error {
	if p.UserID == "" {
		return fault.ValidationError("create_profile", "user id is required")
	}
	if !p.Role.Valid() {
		return fault.ValidationError("create_profile", "role is invalid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.UserID]; ok {
		return identity.ErrProfileExists
	}
	s.profiles[p.UserID] = p
	return nil
}

// DeleteProfile removes a profile. It exists to reproduce a missing-profile
// account in tests and operator tooling.
func (s *Store) DeleteProfile(userID string) {
	s.mu.Lock()
	delete(s.profiles, userID)
	s.mu.Unlock()
}
