package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/encodeous/meshbridge/link"
	"github.com/encodeous/meshbridge/perf"
	"github.com/encodeous/meshbridge/state"
	"github.com/encodeous/meshbridge/store"
	"github.com/encodeous/tint"
	"github.com/natefinch/lumberjack"
	slogmulti "github.com/samber/slog-multi"
	"go.uber.org/multierr"
)

// Bridge is one run of the daemon. A restart builds a new one from a freshly read config.
type Bridge struct {
	Env        *state.Env
	Catalog    *Catalog
	Store      *store.Store
	Writer     *store.Writer
	Scheduler  *Scheduler
	Supervisor *Supervisor
	Diag       *DiagServer

	// Consumer receives every dispatched packet. The default logs it at debug level.
	Consumer Consumer
	// Opener replaces the device opener, nil opens real devices.
	Opener link.Opener

	modules []state.Module
	tasks   []<-chan struct{}
}

type storeModule struct{ b *Bridge }

func (m storeModule) Init(e *state.Env) error {
	b := m.b
	st, err := store.Open(e.Context, e.Store.Path, e.Clock, e.Log.WithGroup("store"))
	if err != nil {
		// the bridge still routes without history
		e.Log.Error("traffic store unavailable, packets will not be persisted", "path", e.Store.Path, "error", err)
		return nil
	}
	b.Store = st
	nodes, err := st.Nodes(e.Context)
	if err != nil {
		e.Log.Warn("failed to load node catalog", "error", err)
	} else {
		b.Catalog.Load(nodes)
		e.Log.Info("loaded node catalog", "nodes", len(nodes))
	}

	action := e.Store.Action
	window := store.NewFailureWindow(e.Store.ErrorThreshold, e.Store.ErrorWindow, e.Clock, func(err error) {
		perf.StoreActions.WithLabelValues(string(action)).Inc()
		switch action {
		case state.ActionRestart:
			e.Log.Error("traffic store keeps failing, restarting", "error", err)
			e.RequestRestart(err)
		default:
			e.Log.Error("traffic store keeps failing", "threshold", e.Store.ErrorThreshold, "window", e.Store.ErrorWindow, "error", err)
		}
	})
	b.Writer = store.NewWriter(st, e.Store.QueueSize, window, e.Log.WithGroup("store"))
	b.Writer.Start(e.Context)
	b.Scheduler.AddTarget(StoreTarget{Store: st})
	b.tasks = append(b.tasks, store.RunJanitor(e, st))
	return nil
}

func (m storeModule) Cleanup(e *state.Env) error {
	b := m.b
	if b.Store == nil {
		return nil
	}
	var err error
	if b.Writer != nil {
		err = multierr.Append(err, b.Writer.Stop(state.ShutdownJoinTimeout))
	}
	// persist the catalog one last time
	ctx, cancel := context.WithTimeout(context.Background(), state.SyncTimeout)
	defer cancel()
	err = multierr.Append(err, b.Store.UpsertNodes(ctx, b.Catalog.Snapshot()))
	return multierr.Append(err, b.Store.Close())
}

type supervisorModule struct{ b *Bridge }

func (m supervisorModule) Init(e *state.Env) error {
	b := m.b
	cfg := SupervisorCfg{
		Env:       e,
		Opener:    b.Opener,
		Catalog:   b.Catalog,
		Consumer:  b.Consumer,
		Scheduler: b.Scheduler,
	}
	if b.Writer != nil {
		cfg.Sink = b.Writer
	}
	sup, err := NewSupervisor(cfg)
	if err != nil {
		return err
	}
	b.Supervisor = sup
	if err := sup.Start(e.Context); err != nil {
		return err
	}
	b.tasks = append(b.tasks, b.Scheduler.Run())
	return nil
}

func (m supervisorModule) Cleanup(e *state.Env) error {
	m.b.Scheduler.Stop()
	if m.b.Supervisor == nil {
		return nil
	}
	return m.b.Supervisor.Close()
}

type diagModule struct{ b *Bridge }

func (m diagModule) Init(e *state.Env) error {
	if e.Diag.Listen == "" {
		return nil
	}
	d, err := ServeDiag(e.Diag.Listen, m.b.Supervisor, e.Log.WithGroup("diag"))
	if err != nil {
		e.Log.Warn("diagnostics disabled", "error", err)
		return nil
	}
	m.b.Diag = d
	return nil
}

func (m diagModule) Cleanup(e *state.Env) error {
	if m.b.Diag == nil {
		return nil
	}
	return m.b.Diag.Close()
}

func defaultConsumer(log *slog.Logger) Consumer {
	return func(pkt state.DecodedPacket) {
		log.Debug("packet", "backend", pkt.Source, "from", pkt.From, "to", pkt.To, "type", pkt.Type, "text", pkt.Text)
	}
}

func NewLogger(cfg state.Config, logLevel slog.Level) (*slog.Logger, io.Closer, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: cfg.Id,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	var closer io.Closer = io.NopCloser(nil)
	if cfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(cfg.LogPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f := &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    state.LogMaxSizeMB,
			MaxBackups: state.LogMaxBackups,
		}
		closer = f
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Bootstrap manages the lifetime of the whole application. The bridge may be restarted multiple
// times, but Bootstrap is only called once.
func Bootstrap(configPath, logPath string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	for {
		cfg, warnings, err := state.ReadConfig(configPath)
		if err != nil {
			return err
		}
		if logPath != "" {
			cfg.LogPath = logPath
		}
		restart, err := Start(*cfg, warnings, level, nil)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

// Start runs one bridge until it is stopped by a signal or a restart request, and reports
// whether it should be started again. initBridge, when set, receives the bridge before any
// module starts, and may replace its Consumer and Opener.
func Start(cfg state.Config, warnings []string, logLevel slog.Level, initBridge func(b *Bridge)) (bool, error) {
	logger, closer, err := NewLogger(cfg, logLevel)
	if err != nil {
		return false, err
	}
	defer closer.Close()
	for _, w := range warnings {
		logger.Warn("configuration warning", "warning", w)
	}

	e := state.NewEnv(context.Background(), cfg, logger, nil)
	catalog := NewCatalog()
	b := &Bridge{
		Env:       e,
		Catalog:   catalog,
		Scheduler: NewScheduler(e, catalog),
		Consumer:  defaultConsumer(logger.WithGroup("consumer")),
	}
	if initBridge != nil {
		initBridge(b)
	}

	e.Log.Info("init modules")
	if err := b.initModules(); err != nil {
		e.Cancel(err)
		b.stop()
		return false, err
	}
	e.Log.Info("init modules complete")
	e.Log.Info("meshbridge has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			e.Cancel(errors.New("received shutdown signal"))
		case <-e.Context.Done():
			return
		}
	}()

	<-e.Context.Done()
	e.Log.Info("stopping", "reason", context.Cause(e.Context).Error())
	b.stop()
	if e.Restarting.Load() {
		e.Log.Info("restarting meshbridge...")
		return true, nil
	}
	return false, nil
}

func (b *Bridge) initModules() error {
	modules := []state.Module{storeModule{b}, supervisorModule{b}, diagModule{b}}
	for _, module := range modules {
		b.modules = append(b.modules, module)
		if err := module.Init(b.Env); err != nil {
			return err
		}
	}
	return nil
}

// stop cleans up the initialised modules in reverse order.
func (b *Bridge) stop() {
	b.Env.Cancel(context.Canceled)
	b.Env.Log.Info("cleaning up modules")
	for i := len(b.modules) - 1; i >= 0; i-- {
		if err := b.modules[i].Cleanup(b.Env); err != nil {
			b.Env.Log.Error("error occurred during cleanup", "module", fmt.Sprintf("%T", b.modules[i]), "error", err)
		}
	}
	for _, done := range b.tasks {
		<-done
	}
	b.Env.Log.Info("stopped")
}
