// Package session owns the one authenticated connection to the remote
// server. All transport calls are funneled through Do, which serializes
// callers (SFTP/FTP sessions are not safely reentrant) and transparently
// reconnects after the connection is lost.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dfirvault/sftpmonitor/internal/config"
	"github.com/dfirvault/sftpmonitor/internal/transport"
)

// DialFunc opens a fresh authenticated transport. It exists so tests can
// substitute an in-memory transport for the real dialer.
type DialFunc func(*config.Config) (transport.Transport, error)

// Manager holds the connection and the stored credentials needed to
// re-establish it.
type Manager struct {
	cfg   *config.Config
	dial  DialFunc
	clock clockwork.Clock

	mu       sync.Mutex
	tr       transport.Transport
	failures int // consecutive failed reconnect attempts
}

// New creates a manager. Connect must be called before Do.
func New(cfg *config.Config, dial DialFunc, clock clockwork.Clock) *Manager {
	if dial == nil {
		dial = transport.Dial
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{cfg: cfg, dial: dial, clock: clock}
}

// Connect performs the initial dial. Failure here is fatal for the process;
// mid-session reconnects are handled inside Do instead.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tr != nil {
		return nil
	}
	tr, err := m.dial(m.cfg)
	if err != nil {
		return fmt.Errorf("connect %s (%s): %w", m.cfg.Addr(), m.cfg.Protocol, err)
	}
	m.tr = tr
	m.failures = 0
	return nil
}

// Do runs op against the live transport, holding the connection exclusively
// for the duration of the call. When op reports ConnectionLost the stale
// connection is dropped; the next Do re-dials, backing off between failed
// attempts rather than retrying in a tight loop.
func (m *Manager) Do(ctx context.Context, op func(transport.Transport) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tr == nil {
		if err := m.reconnectLocked(ctx); err != nil {
			return err
		}
	}

	err := op(m.tr)
	if transport.IsConnectionLost(err) {
		slog.Warn("connection lost", "error", err)
		m.dropLocked()
	}
	return err
}

// reconnectLocked re-dials with the stored credentials. Called with mu held.
func (m *Manager) reconnectLocked(ctx context.Context) error {
	if m.failures > 0 {
		delay := Backoff(m.failures, m.cfg.BackoffBase, m.cfg.BackoffCap)
		slog.Info("reconnect backoff", "attempt", m.failures, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(delay):
		}
	}

	tr, err := m.dial(m.cfg)
	if err != nil {
		m.failures++
		return &transport.Error{
			Kind: transport.KindConnectionLost,
			Op:   "reconnect",
			Err:  err,
		}
	}
	slog.Info("reconnected", "host", m.cfg.Addr(), "protocol", m.cfg.Protocol)
	m.tr = tr
	m.failures = 0
	return nil
}

func (m *Manager) dropLocked() {
	if m.tr != nil {
		m.tr.Close()
		m.tr = nil
	}
}

// Close shuts the connection down for good.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tr == nil {
		return nil
	}
	err := m.tr.Close()
	m.tr = nil
	return err
}

// Backoff returns the exponential delay for the given retry attempt
// (1-based): base, 2*base, 4*base, ... capped at cap.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
