// Package identity authenticates responders and facility operators and
// resolves their profile.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Role is what a signed-in user operates as.
type Role string

const (
	RoleParamedic Role = "paramedic"
	RoleHospital  Role = "hospital"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleParamedic || r == RoleHospital
}

// DefaultOrganization is the organization recorded on sign-up for role.
func DefaultOrganization(r Role) string {
	switch r {
	case RoleParamedic:
		return "119구조대"
	case RoleHospital:
		return "서울대학교병원"
	}
	return ""
}

var (
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
	ErrEmailTaken         = errors.New("identity: email already registered")
	ErrNoSession          = errors.New("identity: no such session")
	ErrProfileExists      = errors.New("identity: profile already exists")
)

// Session is an authenticated login.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Profile is the application record attached to a user.
type Profile struct {
	UserID       string `json:"user_id"`
	Role         Role   `json:"role"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
}

// Principal is the resolved identity of a request.
type Principal struct {
	UserID string `json:"id"`
	Role   Role   `json:"role"`
	Name   string `json:"name"`
}

// Store is the identity backend.
type Store interface {
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	GetSession(ctx context.Context, token string) (*Session, bool, error)
	SignOut(ctx context.Context, token string) error
	GetProfile(ctx context.Context, userID string) (*Profile, bool, error)
	CreateProfile(ctx context.Context, p Profile) error
}

// LocalPart returns the part of email before '@', used as a default name.
func LocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	if email == "" {
		return "User"
	}
	return email
}
