package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager tracks active browser sessions for a runtime.
type Manager struct {
	runtime  Runtime
	metrics  *Metrics
	sessions map[string]*trackedSession
	mu       sync.Mutex
}

// NewManager creates a Manager backed by the provided runtime.
func NewManager(runtime Runtime, metrics *Metrics) *Manager {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Manager{
		runtime:  runtime,
		metrics:  metrics,
		sessions: make(map[string]*trackedSession),
	}
}

// Metrics returns the collector shared by every session of this manager.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// CreateSession allocates a new browser session. An empty SessionID is
// replaced with a random one.
func (m *Manager) CreateSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if m == nil || m.runtime == nil {
		return nil, ErrUnavailable
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	cfg = cfg.Normalize()

	m.mu.Lock()
	if _, exists := m.sessions[cfg.SessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, cfg.SessionID)
	}
	m.mu.Unlock()

	sess, err := m.runtime.NewSession(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tracked := &trackedSession{Session: sess, id: cfg.SessionID, manager: m}
	m.mu.Lock()
	m.sessions[cfg.SessionID] = tracked
	m.mu.Unlock()
	m.metrics.RecordSessionCreated(cfg.SessionID)
	return tracked, nil
}

// WithSession creates a session, runs fn with it, and closes it on every
// exit path including a panic in fn.
func (m *Manager) WithSession(ctx context.Context, cfg SessionConfig, fn func(Session) error) (err error) {
	sess, err := m.CreateSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := sess.Close()
		if err == nil && closeErr != nil && !errors.Is(closeErr, ErrSessionClosed) {
			err = closeErr
		}
	}()
	return fn(sess)
}

// GetSession returns a session by ID.
func (m *Manager) GetSession(sessionID string) (Session, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sess, true
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseSession closes and removes a session.
func (m *Manager) CloseSession(sessionID string) error {
	if m == nil {
		return ErrUnavailable
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || sess == nil {
		return ErrSessionClosed
	}
	return sess.Close()
}

// Close closes all sessions and releases the runtime.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := make([]*trackedSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	var lastErr error
	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			lastErr = err
		}
	}
	if m.runtime != nil {
		if err := m.runtime.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.metrics.RecordSessionClosed(sessionID)
}

// trackedSession instruments a runtime session and deregisters it on close.
type trackedSession struct {
	Session
	id      string
	manager *Manager
	once    sync.Once
	err     error
}

func (s *trackedSession) ID() string {
	return s.id
}

func (s *trackedSession) Open(ctx context.Context, url string) error {
	start := time.Now()
	err := s.Session.Open(ctx, url)
	s.manager.metrics.RecordNavigate(s.id, url, time.Since(start), err)
	return err
}

func (s *trackedSession) Find(ctx context.Context, selector string) ([]Node, error) {
	s.manager.metrics.RecordFind()
	return s.Session.Find(ctx, selector)
}

func (s *trackedSession) Close() error {
	s.once.Do(func() {
		s.err = s.Session.Close()
		s.manager.forget(s.id)
	})
	return s.err
}

func (s *trackedSession) ResponseHeader(name string) (string, bool) {
	return ResponseHeader(s.Session, name)
}
