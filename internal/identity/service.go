package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/fault"
)

// Service runs the sign-up, sign-in and session resolution flows.
type Service struct {
	store  Store
	logger log.Logger
}

// NewService creates a Service over store.
func NewService(store Store, logger log.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// SignUp registers a user and creates its profile. A failed profile insert is
// logged; the new session is still returned.
func (s *Service) SignUp(ctx context.Context, email, password string, role Role) (*Session, *Principal, error) {
	if !role.Valid() {
		return nil, nil, fault.ValidationError("sign_up", "role must be paramedic or hospital")
	}
	sess, err := s.store.SignUp(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}

	p := Profile{UserID: sess.UserID, Role: role, Name: LocalPart(email), Organization: DefaultOrganization(role)}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		s.logger.Error(ctx, err, "profile creation failed", "user_id", sess.UserID)
	}
	return sess, &Principal{UserID: sess.UserID, Role: role, Name: p.Name}, nil
}

// SignIn authenticates and bootstraps the principal. role is the role chosen
// at login, used when the profile is missing.
func (s *Service) SignIn(ctx context.Context, email, password string, role Role) (*Session, *Principal, error) {
	sess, err := s.store.SignIn(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.Bootstrap(ctx, sess, role)
	if err != nil {
		return nil, nil, err
	}
	return sess, p, nil
}

// Bootstrap resolves the profile of sess. A missing profile is a data
// integrity fault: repair is attempted with fallback as the role, failures
// are logged, and a principal is returned either way.
func (s *Service) Bootstrap(ctx context.Context, sess *Session, fallback Role) (*Principal, error) {
	prof, ok, err := s.store.GetProfile(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if ok {
		name := prof.Name
		if name == "" {
			name = LocalPart(sess.Email)
		}
		return &Principal{UserID: sess.UserID, Role: prof.Role, Name: name}, nil
	}

	integrity := fault.DataIntegrityError("bootstrap", fmt.Errorf("profile missing for user %s", sess.UserID))
	s.logger.Warn(ctx, "profile missing, repairing", "user_id", sess.UserID, "error", integrity)

	name := LocalPart(sess.Email)
	repair := Profile{UserID: sess.UserID, Role: fallback, Name: name}
	if fallback.Valid() {
		if err := s.store.CreateProfile(ctx, repair); err != nil && !errors.Is(err, ErrProfileExists) {
			s.logger.Error(ctx, err, "profile repair failed", "user_id", sess.UserID)
		}
	}
	return &Principal{UserID: sess.UserID, Role: fallback, Name: name}, nil
}

// Resolve maps a bearer token to its principal.
func (s *Service) Resolve(ctx context.Context, token string) (*Principal, error) {
	sess, ok, err := s.store.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	prof, ok, err := s.store.GetProfile(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if !ok {
		return nil, fault.DataIntegrityError("resolve", fmt.Errorf("profile missing for user %s", sess.UserID))
	}
	return &Principal{UserID: sess.UserID, Role: prof.Role, Name: prof.Name}, nil
}

// SignOut ends a session.
func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.store.SignOut(ctx, token)
}
