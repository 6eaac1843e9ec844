// Package daemon schedules sync cycles: a timer-driven loop that fans out
// over known peers with a bounded worker pool, serializes work per peer, and
// backs off from peers that keep failing. All mutable scheduling state lives
// on the Daemon instance; it is created at start and dies with the context.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"memsync/internal/cursors"
	"memsync/internal/discovery"
	"memsync/internal/merge"
	"memsync/internal/models"
	"memsync/internal/oplog"
	"memsync/internal/registry"
	"memsync/internal/store"
	"memsync/internal/transport"
)

const backoffCap = 10

type Config struct {
	Interval    time.Duration
	PageLimit   int
	Workers     int
	DialTimeout time.Duration
	// EntityTypes synced under separate cursors; empty means one aggregate
	// cursor over all types.
	EntityTypes []string
}

type Daemon struct {
	cfg      Config
	log      *slog.Logger
	st       *store.Store
	reg      *registry.Registry
	cur      *cursors.Store
	oplog    *oplog.Log
	engine   *merge.Engine
	chain    *discovery.Chain
	client   *transport.Client
	attempts *AttemptLog

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	backoff map[string]backoffState

	wake chan struct{}
}

type backoffState struct {
	fails int
	until time.Time
}

func New(cfg Config, log *slog.Logger, st *store.Store, reg *registry.Registry, cur *cursors.Store,
	olog *oplog.Log, engine *merge.Engine, chain *discovery.Chain, client *transport.Client) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 200
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = []string{models.AllEntityTypes}
	}
	return &Daemon{
		cfg:      cfg,
		log:      log,
		st:       st,
		reg:      reg,
		cur:      cur,
		oplog:    olog,
		engine:   engine,
		chain:    chain,
		client:   client,
		attempts: NewAttemptLog(st),
		locks:    make(map[string]*sync.Mutex),
		backoff:  make(map[string]backoffState),
		wake:     make(chan struct{}, 1),
	}
}

// Attempts exposes the audit log for status displays.
func (d *Daemon) Attempts() *AttemptLog { return d.attempts }

// Run drives the scheduling loop until ctx is cancelled. One immediate pass,
// then one per interval, plus any manual wakes. A failing peer never takes
// the loop down.
func (d *Daemon) Run(ctx context.Context) {
	d.log.Info("sync daemon started", "interval", d.cfg.Interval, "workers", d.cfg.Workers)
	d.RunOnce(ctx)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("sync daemon stopped")
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		case <-d.wake:
			d.RunOnce(ctx)
		}
	}
}

// SyncNow preempts the idle wait: backoff windows are cleared and the loop
// runs a pass as soon as possible. Cycles still queue behind any in-flight
// cycle for the same peer.
func (d *Daemon) SyncNow() {
	d.mu.Lock()
	d.backoff = make(map[string]backoffState)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// RunOnce syncs every eligible peer and waits for the pass to finish.
func (d *Daemon) RunOnce(ctx context.Context) {
	peers, err := d.reg.List(ctx)
	if err != nil {
		d.log.Error("list peers", "err", err)
		return
	}

	sem := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup
	now := time.Now()
	for i := range peers {
		peer := peers[i]
		if until, ok := d.backoffUntil(peer.DeviceID); ok && now.Before(until) {
			d.log.Debug("peer in backoff", "peer", peer.DeviceID, "until", until)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.syncPeer(ctx, &peer); err != nil && ctx.Err() == nil {
				d.log.Warn("sync cycle failed", "peer", peer.DeviceID, "err", err)
			}
		}()
	}
	wg.Wait()
}

func (d *Daemon) peerLock(deviceID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[deviceID] = l
	}
	return l
}

func (d *Daemon) backoffUntil(deviceID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.backoff[deviceID]
	return s.until, ok
}

func (d *Daemon) recordFailure(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.backoff[deviceID]
	s.fails++
	mult := 1 << min(s.fails, 30)
	delay := d.cfg.Interval * time.Duration(mult)
	if delay > d.cfg.Interval*backoffCap {
		delay = d.cfg.Interval * backoffCap
	}
	s.until = time.Now().Add(delay)
	d.backoff[deviceID] = s
}

func (d *Daemon) recordSuccess(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.backoff, deviceID)
}
