package sync

import (
	"context"
	"log/slog"
	gosync "sync"

	"github.com/jonboulle/clockwork"

	"github.com/dfirvault/sftpmonitor/internal/config"
	"github.com/dfirvault/sftpmonitor/internal/session"
)

// Monitor wires the session, the change detector for the configured mode and
// the engine together, and runs them until the context is cancelled.
type Monitor struct {
	cfg   *config.Config
	sess  *session.Manager
	snap  *Snapshot
	clock clockwork.Clock
}

func NewMonitor(cfg *config.Config, sess *session.Manager, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		cfg:   cfg,
		sess:  sess,
		snap:  NewSnapshot(),
		clock: clock,
	}
}

// Run connects, reconciles, then watches until ctx is cancelled. Shutdown is
// ordered: the detector stops producing first, then the engine drains its
// in-flight transfers, then the connection closes.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.sess.Connect(); err != nil {
		return err
	}
	defer m.sess.Close()

	slog.Info("reconciling", "mode", string(m.cfg.Mode))
	if err := Reconcile(ctx, m.cfg, m.sess, m.snap); err != nil {
		return err
	}

	engine := NewEngine(m.cfg, m.sess, m.snap, m.clock)

	var wg gosync.WaitGroup
	var events <-chan ChangeEvent

	if m.cfg.Mode == config.ModeLocal {
		watcher, err := NewLocalWatcher(m.cfg.LocalRoot, m.cfg.DebounceWindow)
		if err != nil {
			return err
		}
		events = watcher.Events()
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	} else {
		poller := NewRemotePoller(m.sess, m.snap, m.cfg.PollInterval, m.cfg.PollTimeout, m.clock)
		events = poller.Events()
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	slog.Info("monitoring", "mode", string(m.cfg.Mode), "remote", m.cfg.Addr())
	engine.Run(ctx, events)
	wg.Wait()
	slog.Info("monitor stopped")
	return nil
}
