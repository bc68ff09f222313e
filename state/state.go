package state

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

// ErrRestart is the cancel cause used when a component asks for a controlled restart.
var ErrRestart = errors.New("restart requested")

type Module interface {
	Init(e *Env) error
	Cleanup(e *Env) error
}

// Env can be read from any Goroutine
type Env struct {
	Config
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
	Clock   clock.Clock

	Restarting atomic.Bool
}

func NewEnv(ctx context.Context, cfg Config, log *slog.Logger, clk clock.Clock) *Env {
	if clk == nil {
		clk = clock.New()
	}
	cctx, cancel := context.WithCancelCause(ctx)
	return &Env{
		Config:  cfg,
		Context: cctx,
		Cancel:  cancel,
		Log:     log,
		Clock:   clk,
	}
}

// RequestRestart stops the current run and asks the bootstrap loop to start a new one.
func (e *Env) RequestRestart(reason error) {
	e.Restarting.Store(true)
	e.Cancel(errors.Join(ErrRestart, reason))
}
