package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

type triggers struct {
	mu      sync.Mutex
	reasons []string
}

func (t *triggers) fire(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reasons = append(t.reasons, reason)
}

func (t *triggers) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.reasons...)
}

func newTestMonitor(forced time.Duration) (*Monitor, *clock.Mock, *triggers) {
	clk := clock.NewMock()
	tr := &triggers{}
	m := NewMonitor("radio", clk, 30*time.Second, 180*time.Second, forced, discard, tr.fire)
	return m, clk, tr
}

func TestMonitor_Thresholds(t *testing.T) {
	m, clk, tr := newTestMonitor(0)
	start := clk.Now()

	assert.Equal(t, Healthy, m.Evaluate(start.Add(89*time.Second)))
	assert.Equal(t, Suspect, m.Evaluate(start.Add(90*time.Second)))
	assert.Equal(t, Suspect, m.Evaluate(start.Add(180*time.Second-time.Nanosecond)))
	assert.Empty(t, tr.list())

	assert.Equal(t, Dead, m.Evaluate(start.Add(180*time.Second)))
	assert.Equal(t, []string{TriggerSilence}, tr.list())

	// still dead, but the reconnect was already requested for this outage
	assert.Equal(t, Dead, m.Evaluate(start.Add(300*time.Second)))
	assert.Len(t, tr.list(), 1)
}

func TestMonitor_TouchKeepsHealthy(t *testing.T) {
	m, clk, tr := newTestMonitor(0)
	start := clk.Now()
	for i := 1; i <= 10; i++ {
		now := start.Add(time.Duration(i) * 60 * time.Second)
		m.Touch(now)
		assert.Equal(t, Healthy, m.Evaluate(now.Add(30*time.Second)))
	}
	assert.Empty(t, tr.list())
	assert.Equal(t, 10, m.Reads())
}

func TestMonitor_DeadWithinOneInterval(t *testing.T) {
	m, clk, tr := newTestMonitor(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	// the silence threshold is crossed at 180s; the tick at 180s must catch it
	assert.Eventually(t, func() bool {
		if clk.Now().Sub(time.Unix(0, 0)) < 180*time.Second {
			clk.Add(30 * time.Second)
		}
		return len(tr.list()) == 1
	}, time.Second, time.Millisecond)
	assert.LessOrEqual(t, clk.Now().Sub(time.Unix(0, 0)), 210*time.Second)
	assert.Equal(t, Dead, m.Health())
	cancel()
	<-done
}

func TestMonitor_FailKicksEvaluation(t *testing.T) {
	m, _, tr := newTestMonitor(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	m.Fail(errors.New("EOF"))
	assert.Eventually(t, func() bool {
		return len(tr.list()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{TriggerFailure}, tr.list())
	assert.Equal(t, Dead, m.Health())
	cancel()
	<-done
}

func TestMonitor_RearmGivesGrace(t *testing.T) {
	m, clk, tr := newTestMonitor(0)
	start := clk.Now()
	m.Touch(start.Add(10 * time.Second))
	assert.Equal(t, Dead, m.Evaluate(start.Add(200*time.Second)))
	assert.Len(t, tr.list(), 1)

	// reopened at 210s: the old activity stays, silence counts from the reconnect
	reopened := start.Add(210 * time.Second)
	m.Rearm(reopened)
	assert.Equal(t, start.Add(10*time.Second), m.LastActivity())
	assert.Zero(t, m.Reads())
	assert.Equal(t, Healthy, m.Evaluate(reopened.Add(60*time.Second)))
	assert.Equal(t, Dead, m.Evaluate(reopened.Add(180*time.Second)))
	assert.Len(t, tr.list(), 2)
}

func TestMonitor_ForcedReconnect(t *testing.T) {
	m, clk, tr := newTestMonitor(time.Hour)
	start := clk.Now()
	for i := 1; i <= 119; i++ {
		now := start.Add(time.Duration(i) * 30 * time.Second)
		m.Touch(now)
		m.Evaluate(now)
	}
	assert.Empty(t, tr.list())

	m.Touch(start.Add(time.Hour))
	assert.Equal(t, Healthy, m.Evaluate(start.Add(time.Hour)))
	assert.Equal(t, []string{TriggerForced}, tr.list())

	// a rearm restarts the interval
	m.Rearm(start.Add(time.Hour))
	m.Touch(start.Add(90 * time.Minute))
	m.Evaluate(start.Add(90 * time.Minute))
	assert.Len(t, tr.list(), 1)
}

func TestHealth_Text(t *testing.T) {
	var h Health
	assert.NoError(t, h.UnmarshalText([]byte("SUSPECT")))
	assert.Equal(t, Suspect, h)
	assert.Error(t, h.UnmarshalText([]byte("ALIVE")))
}
