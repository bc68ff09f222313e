package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/meshbridge/perf"
	"github.com/encodeous/meshbridge/state"
	"github.com/encodeous/meshbridge/store"
)

// SyncTarget is somewhere the node catalog is pushed to, or refreshed from.
type SyncTarget interface {
	Name() string
	Sync(ctx context.Context, nodes []state.NodeRecord) error
}

// PullTarget is a target that refreshes the catalog instead of consuming it, so a changed catalog
// is no reason to run it again. It runs after Invalidate, or once its last sync is older than
// SyncMaxAge.
type PullTarget interface {
	SyncTarget
	Pull()
}

type syncRecord struct {
	fingerprint string
	at          time.Time
}

type SchedulerStats struct {
	Runs    uint64    `json:"runs"`
	Skipped uint64    `json:"skipped"`
	Failed  uint64    `json:"failed"`
	LastRun time.Time `json:"last_run"`
}

// Scheduler runs catalog syncs in the background. Nothing it does can affect a link: every error
// and panic stays inside the run.
type Scheduler struct {
	env     *state.Env
	catalog *Catalog

	run sync.Mutex // held for the whole of a run

	mu       sync.Mutex
	targets  []SyncTarget
	synced   map[string]syncRecord
	deferred map[state.BackendId]*clock.Timer
	stats    SchedulerStats
}

func NewScheduler(e *state.Env, catalog *Catalog) *Scheduler {
	return &Scheduler{
		env:      e,
		catalog:  catalog,
		synced:   make(map[string]syncRecord),
		deferred: make(map[state.BackendId]*clock.Timer),
	}
}

func (s *Scheduler) AddTarget(t SyncTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
}

// Invalidate forgets the last successful sync of a target, so the next run executes it.
func (s *Scheduler) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.synced, name)
}

// RunOnce syncs every target whose last successful sync does not match the current catalog, and
// every pull target that was invalidated or is due.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.run.Lock()
	defer s.run.Unlock()

	nodes := s.catalog.Snapshot()
	fp := Fingerprint(nodes)
	now := s.env.Clock.Now()

	s.mu.Lock()
	targets := append([]SyncTarget(nil), s.targets...)
	s.stats.Runs++
	s.stats.LastRun = now
	s.mu.Unlock()

	for _, t := range targets {
		name := t.Name()
		s.mu.Lock()
		rec, ok := s.synced[name]
		s.mu.Unlock()
		fresh := ok && now.Sub(rec.at) < state.SyncMaxAge
		if _, pull := t.(PullTarget); !pull {
			fresh = fresh && rec.fingerprint == fp
		}
		if fresh {
			perf.SyncRuns.WithLabelValues(name, "skipped").Inc()
			s.mu.Lock()
			s.stats.Skipped++
			s.mu.Unlock()
			continue
		}
		if err := s.syncOne(ctx, t, nodes); err != nil {
			s.env.Log.Warn("catalog sync failed", "target", name, "error", err)
			perf.SyncRuns.WithLabelValues(name, "failed").Inc()
			s.mu.Lock()
			s.stats.Failed++
			s.mu.Unlock()
			continue
		}
		s.env.Log.Debug("catalog synced", "target", name, "nodes", len(nodes))
		perf.SyncRuns.WithLabelValues(name, "ok").Inc()
		s.mu.Lock()
		s.synced[name] = syncRecord{fingerprint: fp, at: now}
		s.mu.Unlock()
	}
}

func (s *Scheduler) syncOne(ctx context.Context, t SyncTarget, nodes []state.NodeRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, state.SyncTimeout)
	defer cancel()
	return t.Sync(ctx, nodes)
}

// Run starts the periodic sync. The returned channel is closed once it stopped.
func (s *Scheduler) Run() <-chan struct{} {
	return s.env.RepeatTask("catalog sync", func(ctx context.Context) error {
		s.RunOnce(ctx)
		return nil
	}, s.env.Sync.Interval)
}

// Defer schedules a sync after a backend reconnected. The backend's device target always runs in
// it, and a newer reconnect replaces a pending one.
func (s *Scheduler) Defer(backend state.BackendId) {
	s.Invalidate(deviceTargetName(backend))
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.deferred[backend]; ok {
		t.Stop()
	}
	s.deferred[backend] = s.env.ScheduleTask("deferred sync "+string(backend), func(ctx context.Context) error {
		s.RunOnce(ctx)
		return nil
	}, s.env.Sync.DeferredDelay)
}

// Stop cancels pending deferred runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.deferred {
		t.Stop()
		delete(s.deferred, id)
	}
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// StoreTarget persists the catalog to the traffic store's node table.
type StoreTarget struct {
	Store *store.Store
}

func (StoreTarget) Name() string {
	return "store"
}

func (t StoreTarget) Sync(ctx context.Context, nodes []state.NodeRecord) error {
	return t.Store.UpsertNodes(ctx, nodes)
}

func deviceTargetName(backend state.BackendId) string {
	return "device:" + string(backend)
}
