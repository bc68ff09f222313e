package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/encodeous/meshbridge/link"
	"github.com/encodeous/meshbridge/perf"
	"github.com/encodeous/meshbridge/radio"
	"github.com/encodeous/meshbridge/state"
	"github.com/encodeous/meshbridge/store"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrNotConnected   = errors.New("backend not connected")
)

type backend struct {
	id      state.BackendId
	cfg     state.BackendCfg
	proto   radio.Protocol
	log     *slog.Logger
	monitor *Monitor

	// held for the whole of a reconnect
	reconnect sync.Mutex

	mu       sync.Mutex
	handle   *link.Handle
	next     chan struct{} // closed whenever handle changes
	status   state.LinkStatus
	attempts int
	learned  state.NodeId
}

func (b *backend) current() (*link.Handle, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle, b.next
}

// swap replaces the handle, wakes readers waiting for a new one and returns the old handle.
func (b *backend) swap(h *link.Handle, status state.LinkStatus) *link.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.handle
	b.handle = h
	b.status = status
	close(b.next)
	b.next = make(chan struct{})
	return old
}

func (b *backend) setStatus(status state.LinkStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *backend) selfId() state.NodeId {
	if b.cfg.NodeId != "" {
		return b.cfg.NodeId
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.learned
}

type SupervisorCfg struct {
	Env       *state.Env
	Opener    link.Opener // nil opens real devices
	Catalog   *Catalog
	Consumer  Consumer
	Sink      PacketSink // optional
	Scheduler *Scheduler // optional
}

// Supervisor owns every backend link: it opens them, reads them, and reconnects them when their
// monitor declares them dead.
type Supervisor struct {
	env      *state.Env
	log      *slog.Logger
	clk      clock.Clock
	opener   link.Opener
	mode     state.Mode
	backends []*backend
	byId     map[state.BackendId]*backend
	router   *Router
	catalog  *Catalog
	sink     PacketSink
	sched    *Scheduler

	ctx     context.Context
	cancel  context.CancelFunc
	flight  singleflight.Group
	tasks   sync.WaitGroup
	started atomic.Bool
	closing atomic.Bool
}

// NewSupervisor validates the backends and prepares, but does not open, their links. Endpoint
// collisions are reported here, before any device is touched.
func NewSupervisor(cfg SupervisorCfg) (*Supervisor, error) {
	e := cfg.Env
	mode, err := state.ModeFor(e.Backends)
	if err != nil {
		return nil, err
	}
	if err := state.EndpointCollisionValidator(e.Backends); err != nil {
		return nil, err
	}
	if cfg.Catalog == nil {
		cfg.Catalog = NewCatalog()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		env:     e,
		log:     e.Log,
		clk:     e.Clock,
		opener:  cfg.Opener,
		mode:    mode,
		byId:    make(map[state.BackendId]*backend),
		catalog: cfg.Catalog,
		sink:    cfg.Sink,
		sched:   cfg.Scheduler,
		ctx:     ctx,
		cancel:  cancel,
	}
	protocols := make(map[state.BackendId]radio.Protocol)
	for i, bc := range e.Backends {
		proto, err := radio.New(bc.Protocol)
		if err != nil {
			cancel()
			return nil, &state.ConfigurationError{Field: fmt.Sprintf("backends[%d].protocol", i), Msg: err.Error()}
		}
		b := &backend{
			id:     bc.Id,
			cfg:    bc,
			proto:  proto,
			log:    e.Log.With("backend", bc.Id),
			next:   make(chan struct{}),
			status: state.Disconnected,
		}
		b.monitor = NewMonitor(bc.Id, e.Clock, e.HealthCheckInterval, e.SilenceTimeout, e.ForcedReconnectInterval, b.log,
			func(reason string) {
				s.tasks.Go(func() {
					if err := s.Reconnect(bc.Id, reason); err != nil && s.ctx.Err() == nil {
						b.log.Error("reconnect failed", "error", err)
					}
				})
			})
		s.backends = append(s.backends, b)
		s.byId[bc.Id] = b
		protocols[bc.Id] = proto
		if s.sched != nil && proto.CatalogRequest() != nil {
			s.sched.AddTarget(deviceTarget{b: b})
		}
	}
	s.router = NewRouter(RouterCfg{
		Log:         e.Log.WithGroup("router"),
		Clock:       e.Clock,
		View:        s,
		Protocols:   protocols,
		Catalog:     cfg.Catalog,
		Consumer:    cfg.Consumer,
		Sink:        cfg.Sink,
		DedupWindow: e.DedupWindow,
	})
	return s, nil
}

// Start opens every backend concurrently and starts their reader and monitor tasks. In SINGLE
// mode a backend that cannot be opened fails startup. In DUAL mode it is left DISCONNECTED and
// retried in the background while the other one runs.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already started")
	}
	context.AfterFunc(ctx, s.cancel)

	var g errgroup.Group
	failed := make([]error, len(s.backends))
	for i, b := range s.backends {
		g.Go(func() error {
			b.setStatus(state.Connecting)
			h, err := link.Open(s.ctx, b.cfg, s.opener, s.clk)
			if err != nil {
				b.setStatus(state.Disconnected)
				failed[i] = err
				if s.mode == state.ModeSingle {
					return err
				}
				return nil
			}
			s.install(b, h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error("failed to open backend", "error", err)
		s.cancel()
		return err
	}

	for i, b := range s.backends {
		s.tasks.Go(func() { s.read(b) })
		s.tasks.Go(func() { b.monitor.Run(s.ctx) })
		if failed[i] != nil {
			b.log.Warn("backend unavailable, retrying in background", "error", failed[i])
			s.tasks.Go(func() {
				if err := s.Reconnect(b.id, TriggerStartup); err != nil && s.ctx.Err() == nil {
					b.log.Error("reconnect failed", "error", err)
				}
			})
		}
	}
	s.log.Info("supervisor started", "mode", s.mode, "backends", len(s.backends))
	return nil
}

// install makes h the live handle of b: handshake, rearm, then deferred catalog sync.
func (s *Supervisor) install(b *backend, h *link.Handle) {
	for _, p := range b.proto.Handshake() {
		if err := h.WriteFrame(p); err != nil {
			perf.WriteErrors.WithLabelValues(string(b.id)).Inc()
			b.log.Warn("handshake write failed", "error", err)
		}
	}
	b.monitor.Rearm(s.clk.Now())

	b.mu.Lock()
	if s.closing.Load() {
		b.mu.Unlock()
		_ = h.Close()
		return
	}
	old := b.handle
	b.handle = h
	b.status = state.Degraded
	close(b.next)
	b.next = make(chan struct{})
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	b.log.Info("backend connected", "endpoint", b.cfg.Endpoint(), "handle", h.Id())
	if s.sched != nil {
		s.sched.Defer(b.id)
	}
}

func (s *Supervisor) read(b *backend) {
	for {
		h, next := b.current()
		if h == nil {
			select {
			case <-next:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		frame, err := h.ReadFrame(state.MaxReadWait)
		switch {
		case err == nil:
			s.onFrame(b, h, frame)
			continue
		case errors.Is(err, state.ErrReadTimeout):
			continue
		case errors.Is(err, state.ErrLinkClosed):
		default:
			b.log.Warn("read failed", "error", err)
			b.monitor.Fail(err)
		}
		// the handle is gone, wait for the next one
		select {
		case <-next:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) onFrame(b *backend, h *link.Handle, frame state.RawFrame) {
	perf.Frames.WithLabelValues(string(b.id)).Inc()
	perf.FramesPerSecond.Add(1)
	first := b.monitor.Reads() == 0
	b.monitor.Touch(frame.Arrived)
	if first {
		b.mu.Lock()
		if b.handle == h {
			b.status = state.Connected
			b.attempts = 0
		}
		b.mu.Unlock()
	}

	d, err := b.proto.Decode(frame.Data)
	if err != nil {
		perf.Undecodable.WithLabelValues(string(b.id)).Inc()
		b.log.Debug("undecodable frame", "len", len(frame.Data), "error", err)
		return
	}
	if d.SelfId != "" && b.cfg.NodeId == "" {
		b.mu.Lock()
		if b.learned != d.SelfId {
			b.log.Info("learned own node id", "node", d.SelfId)
		}
		b.learned = d.SelfId
		b.mu.Unlock()
	}
	for _, r := range d.Reply {
		if err := h.WriteFrame(r); err != nil {
			perf.WriteErrors.WithLabelValues(string(b.id)).Inc()
			b.log.Debug("reply write failed", "error", err)
		}
	}
	s.router.Handle(frame, d)
}

type clockTimer struct {
	clk clock.Clock
	t   *clock.Timer
}

func (c *clockTimer) Start(d time.Duration) {
	if c.t == nil {
		c.t = c.clk.Timer(d)
		return
	}
	c.t.Reset(d)
}

func (c *clockTimer) Stop() {
	if c.t != nil {
		c.t.Stop()
	}
}

func (c *clockTimer) C() <-chan time.Time {
	return c.t.C
}

// Reconnect tears down and reopens one backend. Concurrent calls for the same backend share a
// single attempt; it retries with backoff until it succeeds or the supervisor is closed.
func (s *Supervisor) Reconnect(id state.BackendId, reason string) error {
	b, ok := s.byId[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	_, err, _ := s.flight.Do(string(id), func() (any, error) {
		b.reconnect.Lock()
		defer b.reconnect.Unlock()
		return nil, s.reconnect(b, reason)
	})
	return err
}

func (s *Supervisor) reconnect(b *backend, reason string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	perf.Reconnects.WithLabelValues(string(b.id), reason).Inc()
	b.log.Info("reconnecting backend", "reason", reason)
	if old := b.swap(nil, state.Connecting); old != nil {
		if err := old.Close(); err != nil {
			b.log.Debug("error closing old handle", "error", err)
		}
	}

	cooldown := s.clk.Timer(s.env.TeardownCooldown)
	select {
	case <-cooldown.C:
	case <-s.ctx.Done():
		cooldown.Stop()
		return s.ctx.Err()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = state.ReconnectBackoffMin
	bo.MaxInterval = s.env.ReconnectBackoffMax
	bo.MaxElapsedTime = 0
	bo.Clock = s.clk
	bo.Reset()

	var h *link.Handle
	op := func() error {
		b.mu.Lock()
		b.attempts++
		b.mu.Unlock()
		nh, err := link.Open(s.ctx, b.cfg, s.opener, s.clk)
		if err != nil {
			var ce *state.ConnectError
			if !errors.As(err, &ce) {
				return backoff.Permanent(err)
			}
			return err
		}
		h = nh
		return nil
	}
	notify := func(err error, next time.Duration) {
		b.setStatus(state.Disconnected)
		b.log.Warn("failed to reopen backend", "error", err, "retry", next.Round(time.Millisecond))
	}
	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(bo, s.ctx), notify, &clockTimer{clk: s.clk})
	if err != nil {
		b.setStatus(state.Disconnected)
		return err
	}
	s.install(b, h)
	return nil
}

func (s *Supervisor) Mode() state.Mode {
	return s.mode
}

// ActiveBackends lists the backends with an open handle, in configuration order.
func (s *Supervisor) ActiveBackends() []state.BackendId {
	out := make([]state.BackendId, 0, len(s.backends))
	for _, b := range s.backends {
		if h, _ := b.current(); h != nil {
			out = append(out, b.id)
		}
	}
	return out
}

func (s *Supervisor) SelfIds() map[state.BackendId]state.NodeId {
	out := make(map[state.BackendId]state.NodeId, len(s.backends))
	for _, b := range s.backends {
		if id := b.selfId(); id != "" {
			out[b.id] = id
		}
	}
	return out
}

func (s *Supervisor) Router() *Router {
	return s.router
}

// Write sends one payload to a backend, best effort.
func (s *Supervisor) Write(id state.BackendId, payload []byte) error {
	b, ok := s.byId[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	h, _ := b.current()
	if h == nil {
		return ErrNotConnected
	}
	err := h.WriteFrame(payload)
	if err != nil {
		perf.WriteErrors.WithLabelValues(string(id)).Inc()
	}
	return err
}

type BackendStatus struct {
	state.LinkState
	Protocol state.Protocol `json:"protocol"`
	Endpoint string         `json:"endpoint"`
	Health   Health         `json:"health"`
	SelfId   state.NodeId   `json:"self_id,omitempty"`
	Handle   string         `json:"handle,omitempty"`
}

type Status struct {
	Id           string             `json:"id"`
	Mode         state.Mode         `json:"mode"`
	Backends     []BackendStatus    `json:"backends"`
	LastDispatch time.Time          `json:"last_dispatch"`
	DedupEntries int                `json:"dedup_entries"`
	Nodes        int                `json:"nodes"`
	Store        *store.WriterStats `json:"store,omitempty"`
	Sync         *SchedulerStats    `json:"sync,omitempty"`
}

type writerStats interface {
	Stats() store.WriterStats
}

// Status is a consistent copy of every backend's link state and the router counters.
func (s *Supervisor) Status() Status {
	st := Status{
		Id:           s.env.Id,
		Mode:         s.mode,
		Backends:     make([]BackendStatus, 0, len(s.backends)),
		LastDispatch: s.router.LastDispatch(),
		DedupEntries: s.router.DedupLen(),
		Nodes:        s.catalog.Len(),
	}
	for _, b := range s.backends {
		b.mu.Lock()
		bs := BackendStatus{
			LinkState: state.LinkState{
				Backend:           b.id,
				Status:            b.status,
				ReconnectAttempts: b.attempts,
			},
			Protocol: b.cfg.Protocol,
			Endpoint: b.cfg.Endpoint(),
		}
		if b.handle != nil {
			bs.Handle = b.handle.Id().String()
		}
		b.mu.Unlock()
		bs.LastActivity = b.monitor.LastActivity()
		bs.Health = b.monitor.Health()
		bs.SelfId = b.selfId()
		st.Backends = append(st.Backends, bs)
	}
	if ws, ok := s.sink.(writerStats); ok {
		stats := ws.Stats()
		st.Store = &stats
	}
	if s.sched != nil {
		stats := s.sched.Stats()
		st.Sync = &stats
	}
	return st
}

// Close stops every task and closes every handle, which unblocks pending reads. Tasks that do not
// finish within state.ShutdownJoinTimeout are abandoned. Close is idempotent.
func (s *Supervisor) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	var err error
	for _, b := range s.backends {
		if h := b.swap(nil, state.Disconnected); h != nil {
			err = multierr.Append(err, h.Close())
		}
	}
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(state.ShutdownJoinTimeout):
		s.log.Warn("abandoning supervisor tasks that did not stop in time")
	}
	s.router.Close()
	return err
}

// deviceTarget asks a radio to dump its node catalog; the answers come back through the reader.
type deviceTarget struct {
	b *backend
}

// Pull keeps catalog changes from re-running the request. The answers would change the catalog
// again on every run.
func (deviceTarget) Pull() {}

func (t deviceTarget) Name() string {
	return deviceTargetName(t.b.id)
}

func (t deviceTarget) Sync(ctx context.Context, _ []state.NodeRecord) error {
	h, _ := t.b.current()
	if h == nil {
		return ErrNotConnected
	}
	return h.WriteFrame(t.b.proto.CatalogRequest())
}
