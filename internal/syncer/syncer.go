// Package syncer runs the poll/diff/persist/notify loop that mirrors the
// router's natmap state into the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/natmap-sync/internal/logging"
	"github.com/gluk-w/natmap-sync/internal/mapping"
	"github.com/gluk-w/natmap-sync/internal/metrics"
)

// Remote runs the listing command on the router.
type Remote interface {
	EnsureConnected(ctx context.Context) error
	Run(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// Store is the part of the mapping store the loop needs.
type Store interface {
	GetAll(ctx context.Context) (mapping.Set, error)
	ReplaceAll(ctx context.Context, full mapping.Set) error
}

// Broadcaster delivers change sets to subscribers.
type Broadcaster interface {
	Broadcast(set mapping.Set) int
}

// Config controls the loop's timing and remote command.
type Config struct {
	Command        string
	CommandTimeout time.Duration
	Interval       time.Duration
}

// Result describes one successful cycle.
type Result struct {
	Entries   int  // mappings reported by the router
	Changed   bool // store was replaced
	Broadcast int  // entries sent to subscribers
}

// Status summarizes the loop's history for the status endpoint.
type Status struct {
	Cycles      int64     `json:"cycles"`
	Failures    int64     `json:"failures"`
	LastRun     time.Time `json:"last_run"`
	LastSuccess time.Time `json:"last_success"`
	LastChange  time.Time `json:"last_change"`
	LastError   string    `json:"last_error,omitempty"`
	Entries     int       `json:"entries"`
}

// Loop polls Remote and keeps Store in step with it.
type Loop struct {
	remote Remote
	store  Store
	hub    Broadcaster
	cfg    Config

	cycleMu sync.Mutex // one cycle at a time

	statusMu sync.Mutex
	status   Status
}

// New creates a Loop. It does not start polling.
func New(remote Remote, store Store, hub Broadcaster, cfg Config) *Loop {
	return &Loop{remote: remote, store: store, hub: hub, cfg: cfg}
}

// Run executes cycles until ctx is cancelled, sleeping Interval between
// them. A failed cycle is logged and the next one proceeds as usual.
func (l *Loop) Run(ctx context.Context) error {
	logging.Infof("[syncer] polling every %s", l.cfg.Interval)
	for {
		res, err := l.RunCycle(ctx)
		if ctx.Err() != nil {
			logging.Infof("[syncer] stopped")
			return nil
		}
		if err != nil {
			logging.Errorf("[syncer] cycle failed: %v", err)
		} else if res.Changed {
			logging.Infof("[syncer] store updated: %d mapping(s), %d broadcast", res.Entries, res.Broadcast)
		} else {
			logging.Debugf("[syncer] no changes (%d mapping(s))", res.Entries)
		}

		timer := time.NewTimer(l.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logging.Infof("[syncer] stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle performs a single connect, fetch, parse, diff, persist and notify
// pass. On error neither the store nor the subscribers are touched, except
// for a store write that failed part way, which the store rolls back.
func (l *Loop) RunCycle(ctx context.Context) (Result, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	res, err := l.cycle(ctx)
	l.record(res, err)
	return res, err
}

// Status returns a copy of the loop's counters.
func (l *Loop) Status() Status {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	return l.status
}

func (l *Loop) cycle(ctx context.Context) (Result, error) {
	if err := l.remote.EnsureConnected(ctx); err != nil {
		return Result{}, fmt.Errorf("connect: %w", err)
	}

	start := time.Now()
	raw, err := l.remote.Run(ctx, l.cfg.Command, l.cfg.CommandTimeout)
	metrics.RemoteCommandDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, fmt.Errorf("list mappings: %w", err)
	}

	next, err := mapping.ParseListing(raw)
	if err != nil {
		return Result{}, err
	}
	res := Result{Entries: len(next)}

	prev, err := l.store.GetAll(ctx)
	if err != nil {
		return res, err
	}
	if mapping.Equal(prev, next) {
		return res, nil
	}

	if err := l.store.ReplaceAll(ctx, next); err != nil {
		return res, err
	}
	res.Changed = true

	// Removals are not broadcast; subscribers learn about them from a full
	// read.
	if diff := mapping.Diff(prev, next); len(diff) > 0 {
		l.hub.Broadcast(diff)
		res.Broadcast = len(diff)
		metrics.BroadcastEntries.Add(float64(len(diff)))
	}
	return res, nil
}

func (l *Loop) record(res Result, err error) {
	now := time.Now()

	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.status.Cycles++
	l.status.LastRun = now

	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) {
			return
		}
		l.status.Failures++
		l.status.LastError = err.Error()
		metrics.SyncCycles.WithLabelValues(metrics.ResultError).Inc()
	case res.Changed:
		l.status.LastSuccess = now
		l.status.LastChange = now
		l.status.LastError = ""
		l.status.Entries = res.Entries
		metrics.SyncCycles.WithLabelValues(metrics.ResultChanged).Inc()
	default:
		l.status.LastSuccess = now
		l.status.LastError = ""
		l.status.Entries = res.Entries
		metrics.SyncCycles.WithLabelValues(metrics.ResultUnchanged).Inc()
	}
}
