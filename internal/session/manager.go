package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"labsync/internal/util"
)

// Verifier resolves an access token to a user id.
type Verifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) VerifySubject(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Manager keeps at most one active session. Switching users closes the old
// session before the new one subscribes.
type Manager struct {
	base     context.Context
	verifier Verifier
	deps     Deps
	log      *slog.Logger

	mu      sync.Mutex
	current *Session
}

func NewManager(ctx context.Context, verifier Verifier, deps Deps) *Manager {
	deps = deps.withDefaults()
	return &Manager{
		base:     ctx,
		verifier: verifier,
		deps:     deps,
		log:      util.Component(deps.Logger, "session_manager"),
	}
}

// SignIn verifies token and makes its user the active session. Signing in
// again as the active user keeps the running session.
func (m *Manager) SignIn(ctx context.Context, token string) (*Session, error) {
	userID, err := m.verifier.VerifySubject(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if m.current.UserID() == userID {
			return m.current, nil
		}
		m.log.Info("switching user", "from", m.current.UserID(), "to", userID)
		m.current.Close()
		m.current = nil
	}

	s := newSession(m.base, userID, m.deps)
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	m.current = s
	return s, nil
}

// SignOut closes the active session, if any.
func (m *Manager) SignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}

// Current returns the active session or ErrNoSession.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Close signs out.
func (m *Manager) Close() { m.SignOut() }
