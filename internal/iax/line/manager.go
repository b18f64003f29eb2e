package line

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/flowpbx/iaxd/internal/iax/hostiface"
	"github.com/flowpbx/iaxd/internal/metrics"
)

// Manager owns the set of configured registration lines, keyed by username,
// and reports their collective state to the admin/metrics surfaces. Grounded
// on the teacher's internal/sip.TrunkRegistrar: a mutex-guarded map plus
// Start/Stop/status accessors, here specialized to IAX2 registration lines
// instead of SIP trunks.
type Manager struct {
	factory TransactionFactory
	cfg     Config
	logger  *slog.Logger

	mu    sync.RWMutex
	lines map[string]*Line
}

// NewManager creates an empty line manager. factory is shared by every Line
// it creates.
func NewManager(factory TransactionFactory, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		cfg:     cfg,
		logger:  logger.With("subsystem", "iax-line-manager"),
		lines:   make(map[string]*Line),
	}
}

// Add creates a Line for username/secret against server and logs it in. If a
// line already exists for that username, it is logged out (§4.5: "initiate
// an unregister against the old endpoint before starting the new one")
// rather than aborted, so the old server sees a proper RegRel instead of
// the registration simply going stale.
func (m *Manager) Add(username, secret string, server *net.UDPAddr, owner hostiface.LineOwner) (*Line, error) {
	m.mu.Lock()
	existing, hadExisting := m.lines[username]
	l := New(username, secret, server, m.factory, m.cfg, owner, m.logger)
	m.lines[username] = l
	m.mu.Unlock()

	if hadExisting {
		if err := existing.Logout(); err != nil {
			m.logger.Warn("graceful logout of replaced line failed", "username", username, "error", err)
		}
	}

	if err := l.Login(); err != nil {
		return nil, fmt.Errorf("logging in line %q: %w", username, err)
	}
	return l, nil
}

// Remove tears a line down with Line.Delete (no RegRel is sent) and deletes
// it from the manager.
func (m *Manager) Remove(username string) {
	m.mu.Lock()
	l, ok := m.lines[username]
	delete(m.lines, username)
	m.mu.Unlock()
	if ok {
		l.Delete()
	}
}

// Get returns the line for username, if any.
func (m *Manager) Get(username string) (*Line, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lines[username]
	return l, ok
}

// Shutdown logs every configured line out.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.lines {
		_ = l.Logout()
	}
}

// Lines implements metrics.LineProvider and admin.LinesStatus.
func (m *Manager) Lines() []metrics.LineStatusEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]metrics.LineStatusEntry, 0, len(m.lines))
	for _, l := range m.lines {
		entries = append(entries, metrics.LineStatusEntry{
			Username: l.Username(),
			State:    l.State().String(),
		})
	}
	return entries
}
