package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/meshbridge/state"
)

type Health int

const (
	Healthy Health = iota
	Suspect
	Dead
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Health) UnmarshalText(b []byte) error {
	for v := Healthy; v <= Dead; v++ {
		if v.String() == string(b) {
			*h = v
			return nil
		}
	}
	return fmt.Errorf("unknown health %q", b)
}

// reconnect reasons passed to a Trigger
const (
	TriggerFailure = "read_failure"
	TriggerSilence = "silence"
	TriggerForced  = "forced"
	TriggerStartup = "startup"
)

// Trigger is called, outside of any monitor lock, when a link needs to be reconnected.
type Trigger func(reason string)

// Monitor is the per backend watchdog. It is evaluated on a ticker every interval, and
// immediately when a read failure is reported.
type Monitor struct {
	backend  state.BackendId
	clk      clock.Clock
	interval time.Duration
	silence  time.Duration
	forced   time.Duration
	trigger  Trigger
	log      *slog.Logger
	kick     chan struct{}

	mu            sync.Mutex
	health        Health
	lastActivity  time.Time
	reconnectedAt time.Time
	reads         int // successful reads since the last rearm
	failure       error
	fired         bool // a reconnect was already requested for this outage
}

func NewMonitor(backend state.BackendId, clk clock.Clock, interval, silence, forced time.Duration, log *slog.Logger, trigger Trigger) *Monitor {
	return &Monitor{
		backend:       backend,
		clk:           clk,
		interval:      interval,
		silence:       silence,
		forced:        forced,
		trigger:       trigger,
		log:           log,
		kick:          make(chan struct{}, 1),
		reconnectedAt: clk.Now(),
	}
}

// Touch records a successful read.
func (m *Monitor) Touch(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.lastActivity) {
		m.lastActivity = t
	}
	m.reads++
	m.failure = nil
	if m.health != Healthy {
		// the outage is over
		m.fired = false
		m.log.Info("link healthy", "was", m.health)
	}
	m.health = Healthy
}

// Fail reports a transport failure. The link is considered dead on the next evaluation, which is
// requested right away.
func (m *Monitor) Fail(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Rearm is called once a new handle is open. LastActivity is untouched, so the link only counts
// as active again after it produced a frame, but silence is measured from now.
func (m *Monitor) Rearm(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectedAt = now
	m.reads = 0
	m.failure = nil
	m.fired = false
	m.health = Healthy
}

// Evaluate advances the state machine to now and fires the trigger if the link just died.
func (m *Monitor) Evaluate(now time.Time) Health {
	m.mu.Lock()
	ref := m.reconnectedAt
	if m.lastActivity.After(ref) {
		ref = m.lastActivity
	}
	silent := now.Sub(ref)
	next := Healthy
	reason, detail := "", ""
	switch {
	case m.failure != nil:
		next = Dead
		reason, detail = TriggerFailure, m.failure.Error()
	case silent >= m.silence:
		next = Dead
		reason, detail = TriggerSilence, fmt.Sprintf("silent for %s", silent.Round(time.Second))
	case silent >= m.silence/2:
		next = Suspect
	}
	if next != Dead && m.forced > 0 && now.Sub(m.reconnectedAt) >= m.forced {
		reason, detail = TriggerForced, fmt.Sprintf("connected for %s", now.Sub(m.reconnectedAt).Round(time.Second))
	}
	if next != m.health {
		m.log.Debug("link health changed", "from", m.health, "to", next, "silent", silent)
	}
	m.health = next
	fire := reason != "" && !m.fired
	if fire {
		m.fired = true
	}
	m.mu.Unlock()

	if fire {
		m.log.Warn("link needs reconnect", "reason", reason, "detail", detail)
		m.trigger(reason)
	}
	return next
}

// Run evaluates the monitor every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clk.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(m.clk.Now())
		case <-m.kick:
			m.Evaluate(m.clk.Now())
		}
	}
}

func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Reads is the number of successful reads since the last rearm.
func (m *Monitor) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}
