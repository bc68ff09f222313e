package core

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-broadcast"
	"github.com/encodeous/meshbridge/perf"
	"github.com/encodeous/meshbridge/radio"
	"github.com/encodeous/meshbridge/state"
	"github.com/jellydator/ttlcache/v3"
)

// Consumer receives every accepted packet exactly once, on the reader goroutine of the backend
// that produced it. It must return quickly.
type Consumer func(pkt state.DecodedPacket)

// PacketSink takes packets for persistence without blocking.
type PacketSink interface {
	Enqueue(pkt state.DecodedPacket)
}

// BackendView is what the router needs to know about the supervisor.
type BackendView interface {
	Mode() state.Mode
	ActiveBackends() []state.BackendId
	SelfIds() map[state.BackendId]state.NodeId
}

// filter reasons
const (
	ReasonDuplicate = "duplicate"
	ReasonInactive  = "inactive_backend"
	ReasonSelf      = "self_originated"
)

type Router struct {
	log       *slog.Logger
	clk       clock.Clock
	view      BackendView
	protocols map[state.BackendId]radio.Protocol
	catalog   *Catalog
	consumer  Consumer
	sink      PacketSink

	dedup        *ttlcache.Cache[string, time.Time]
	dedupDone    chan struct{} // closed once the expiry loop has returned
	lastDispatch atomic.Int64

	// guards trace against use after Close
	traceMu   sync.RWMutex
	trace     broadcast.Broadcaster
	closed    bool
	closeOnce sync.Once
}

type RouterCfg struct {
	Log         *slog.Logger
	Clock       clock.Clock
	View        BackendView
	Protocols   map[state.BackendId]radio.Protocol
	Catalog     *Catalog
	Consumer    Consumer
	Sink        PacketSink // optional
	DedupWindow time.Duration
}

func NewRouter(cfg RouterCfg) *Router {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = NewCatalog()
	}
	if cfg.Consumer == nil {
		cfg.Consumer = func(state.DecodedPacket) {}
	}
	r := &Router{
		log:       cfg.Log,
		clk:       cfg.Clock,
		view:      cfg.View,
		protocols: cfg.Protocols,
		catalog:   cfg.Catalog,
		consumer:  cfg.Consumer,
		sink:      cfg.Sink,
		dedup: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](cfg.DedupWindow),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
			ttlcache.WithCapacity[string, time.Time](state.DedupCapacity),
		),
		dedupDone: make(chan struct{}),
		trace:     broadcast.NewBroadcaster(state.TraceBufferSize),
	}
	go func() {
		defer close(r.dedupDone)
		r.dedup.Start()
	}()
	return r
}

// Close stops the dedup expiry loop and the trace broadcaster. It is idempotent.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		// Stop is a no-op until Start has marked the cache running, so keep asking until the
		// loop has actually exited
		for {
			r.dedup.Stop()
			select {
			case <-r.dedupDone:
			case <-time.After(time.Millisecond):
				continue
			}
			break
		}
		r.traceMu.Lock()
		defer r.traceMu.Unlock()
		r.closed = true
		_ = r.trace.Close()
	})
}

// Classify tags a decoded packet with everything the routing decision needs. The network source is
// always the backend the frame came from.
func (r *Router) Classify(frame state.RawFrame, pkt state.DecodedPacket) state.DecodedPacket {
	pkt.Source = frame.Backend
	pkt.Received = frame.Arrived
	selfIds := r.activeSelfIds()

	if p, ok := r.protocols[frame.Backend]; ok && pkt.To == p.BroadcastSentinel() {
		pkt.To = state.BroadcastId
	}
	if pkt.To == "" {
		// direct messages without an address are for the radio that received them
		pkt.To = selfIds[frame.Backend]
	}
	pkt.IsBroadcast = pkt.To == state.BroadcastId

	pkt.IsSelfOriginated = false
	if pkt.From != "" {
		for _, id := range selfIds {
			if id == pkt.From {
				pkt.IsSelfOriginated = true
				break
			}
		}
	}
	pkt.DedupKey = state.MakeDedupKey(pkt.From, pkt.PacketId, pkt.SentAt)
	return pkt
}

func (r *Router) activeSelfIds() map[state.BackendId]state.NodeId {
	all := r.view.SelfIds()
	active := r.view.ActiveBackends()
	out := make(map[state.BackendId]state.NodeId, len(active))
	for _, b := range active {
		if id, ok := all[b]; ok && id != "" {
			out[b] = id
		}
	}
	return out
}

// ShouldDispatch decides whether a classified packet reaches the consumer. Accepted packets have
// their dedup key recorded, so a second call with the same packet reports a duplicate.
func (r *Router) ShouldDispatch(pkt state.DecodedPacket) (bool, string) {
	if r.view.Mode() == state.ModeSingle {
		if active := r.view.ActiveBackends(); len(active) != 1 || active[0] != pkt.Source {
			return false, ReasonInactive
		}
	}
	if pkt.IsSelfOriginated {
		return false, ReasonSelf
	}
	if _, seen := r.dedup.GetOrSet(pkt.DedupKey, pkt.Received); seen {
		return false, ReasonDuplicate
	}
	return true, ""
}

// Dispatch hands the packet to the consumer, then to the store and the live trace. Nothing after
// the consumer can block or fail the caller.
func (r *Router) Dispatch(pkt state.DecodedPacket) {
	start := time.Now()
	r.deliver(pkt)
	perf.DispatchLatency.Add(float64(time.Since(start).Microseconds()))
	perf.DispatchPerSecond.Add(1)
	perf.Dispatched.WithLabelValues(string(pkt.Source), string(pkt.Type)).Inc()
	r.lastDispatch.Store(r.clk.Now().UnixNano())

	if r.sink != nil {
		r.sink.Enqueue(pkt)
	}
	r.traceMu.RLock()
	if !r.closed {
		r.trace.TrySubmit(pkt)
	}
	r.traceMu.RUnlock()
}

func (r *Router) deliver(pkt state.DecodedPacket) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("consumer panicked", "backend", pkt.Source, "from", pkt.From, "panic", fmt.Sprint(rec))
		}
	}()
	r.consumer(pkt)
}

// Handle runs the whole pipeline for one decoded frame and reports whether a packet was dispatched.
func (r *Router) Handle(frame state.RawFrame, d radio.Decoded) bool {
	now := frame.Arrived
	via := state.LearnedRadio
	if p, ok := r.protocols[frame.Backend]; ok {
		via = p.LearnedVia()
	}
	if d.Node != nil {
		n := *d.Node
		n.Source = frame.Backend
		n.LearnedVia = via
		if n.LastSeen.IsZero() {
			n.LastSeen = now
		}
		r.catalog.Upsert(n, now)
	}
	if d.Packet == nil {
		return false
	}
	pkt := r.Classify(frame, *d.Packet)
	if pkt.From != "" && d.Node == nil {
		r.catalog.Upsert(state.NodeRecord{NodeId: pkt.From, Source: frame.Backend, LearnedVia: via, LastSeen: now}, now)
	}
	ok, reason := r.ShouldDispatch(pkt)
	if !ok {
		perf.Filtered.WithLabelValues(string(pkt.Source), reason).Inc()
		if reason != ReasonDuplicate {
			r.log.Debug("packet filtered", "backend", pkt.Source, "from", pkt.From, "reason", reason)
		}
		return false
	}
	r.Dispatch(pkt)
	return true
}

func (r *Router) DedupLen() int {
	return r.dedup.Len()
}

func (r *Router) LastDispatch() time.Time {
	n := r.lastDispatch.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Subscribe registers a live trace listener. The returned func unregisters it, and does nothing
// once the router is closed.
func (r *Router) Subscribe(buf int) (<-chan any, func()) {
	ch := make(chan any, buf)
	r.traceMu.RLock()
	defer r.traceMu.RUnlock()
	if r.closed {
		return ch, func() {}
	}
	r.trace.Register(ch)
	var once sync.Once
	return ch, func() {
		once.Do(func() { r.unsubscribe(ch) })
	}
}

func (r *Router) unsubscribe(ch chan any) {
	// keep draining so the broadcaster is never stuck on this listener while unregistering
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ch:
			case <-done:
				return
			}
		}
	}()
	r.traceMu.RLock()
	defer r.traceMu.RUnlock()
	if !r.closed {
		r.trace.Unregister(ch)
	}
}
