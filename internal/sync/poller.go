package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dfirvault/sftpmonitor/internal/transport"
)

// RemotePoller detects remote changes by periodically listing the remote
// tree and diffing it against the snapshot cache. Each poll is bounded by a
// timeout; a failed or timed-out poll is skipped, never fatal.
type RemotePoller struct {
	sess     sessionRunner
	snap     *Snapshot
	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	events   chan ChangeEvent
}

func NewRemotePoller(sess sessionRunner, snap *Snapshot, interval, timeout time.Duration, clock clockwork.Clock) *RemotePoller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RemotePoller{
		sess:     sess,
		snap:     snap,
		interval: interval,
		timeout:  timeout,
		clock:    clock,
		events:   make(chan ChangeEvent, 256),
	}
}

// Events is the stream the engine consumes.
func (p *RemotePoller) Events() <-chan ChangeEvent { return p.events }

// Run sleeps between polls until the context is cancelled.
func (p *RemotePoller) Run(ctx context.Context) {
	slog.Info("remote poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
		}
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("remote poll failed", "error", err)
		}
	}
}

func (p *RemotePoller) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var listing []transport.FileRecord
	err := p.sess.Do(pollCtx, func(tr transport.Transport) error {
		var err error
		listing, err = transport.ListTree(tr, "")
		return err
	})
	if err != nil {
		return err
	}

	for _, ev := range p.snap.Diff(listing) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.events <- ev:
		}
	}
	return nil
}
