package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	syncerr "github.com/alexjbarnes/cmis-sync/internal/errors"
	"github.com/jonboulle/clockwork"
)

// connectBackoff is the fixed wait between connection attempts.
const connectBackoff = 10 * time.Second

// SessionManager establishes and holds the repository session.
type SessionManager struct {
	connector cmis.Connector
	params    cmis.Parameters
	clock     clockwork.Clock
	logger    *slog.Logger

	mu                 sync.Mutex
	session            cmis.Session
	info               cmis.RepositoryInfo
	changeLogSupported bool
}

// NewSessionManager creates a SessionManager. A nil clock uses the real
// clock.
func NewSessionManager(connector cmis.Connector, params cmis.Parameters, clock clockwork.Clock, logger *slog.Logger) *SessionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &SessionManager{
		connector: connector,
		params:    params,
		clock:     clock,
		logger:    logger,
	}
}

// Connect blocks until a session is established, retrying every 10
// seconds with no attempt limit. It only fails when ctx is done.
func (m *SessionManager) Connect(ctx context.Context) (cmis.Session, error) {
	for attempt := 1; ; attempt++ {
		m.logger.Info("connecting to repository",
			slog.String("url", m.params.URL),
			slog.Int("attempt", attempt),
		)

		session, info, err := m.tryConnect(ctx)
		if err == nil {
			m.mu.Lock()
			m.session = session
			m.info = info
			m.changeLogSupported = info.Capabilities.ChangeLogSupported()
			m.mu.Unlock()

			m.logger.Info("connected to repository",
				slog.String("repository", info.ID),
				slog.String("product", info.ProductName),
				slog.String("changes", string(info.Capabilities.Changes)),
				slog.Bool("changelog", info.Capabilities.ChangeLogSupported()),
			)

			return session, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		m.logger.Warn("connection failed, retrying",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", connectBackoff),
		)

		timer := m.clock.NewTimer(connectBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.Chan():
		}
	}
}

func (m *SessionManager) tryConnect(ctx context.Context) (cmis.Session, cmis.RepositoryInfo, error) {
	session, err := m.connector.Connect(ctx, m.params)
	if err != nil {
		return nil, cmis.RepositoryInfo{}, fmt.Errorf("connecting: %w", err)
	}

	info, err := session.RepositoryInfo(ctx)
	if err != nil {
		return nil, cmis.RepositoryInfo{}, fmt.Errorf("fetching repository info: %w", err)
	}

	return session, info, nil
}

// Session returns the established session.
func (m *SessionManager) Session() (cmis.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, syncerr.ErrNotConnected
	}

	return m.session, nil
}

// ChangeLogSupported reports whether the connected repository supports
// incremental sync from its change log.
func (m *SessionManager) ChangeLogSupported() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.changeLogSupported
}

// RepositoryInfo returns the info captured at connect time.
func (m *SessionManager) RepositoryInfo() cmis.RepositoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.info
}
