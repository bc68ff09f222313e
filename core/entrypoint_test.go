package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/meshbridge/state"
	"github.com/encodeous/meshbridge/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startResult struct {
	restart bool
	err     error
}

func startBridge(t *testing.T, cfg state.Config, r *fakeRadio, got *packets) (*Bridge, <-chan startResult) {
	state.ExpandConfig(&cfg)
	ready := make(chan *Bridge, 1)
	done := make(chan startResult, 1)
	go func() {
		restart, err := Start(cfg, []string{"test warning"}, slog.LevelError+1, func(b *Bridge) {
			b.Opener = r.open
			b.Consumer = got.consume
			ready <- b
		})
		done <- startResult{restart, err}
	}()
	select {
	case b := <-ready:
		return b, done
	case res := <-done:
		t.Fatalf("bridge exited early: %v", res.err)
	}
	return nil, nil
}

func waitStopped(t *testing.T, done <-chan startResult) startResult {
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("bridge did not stop")
	}
	return startResult{}
}

func TestStart_PersistsAndStops(t *testing.T) {
	cfg := fastConfig(mtBackend("radio", "10.0.0.1:4403"))
	cfg.Store.Path = filepath.Join(t.TempDir(), "traffic.db")
	r := newFakeRadio(state.ProtoMeshtastic)
	defer r.closeAll()
	var got packets

	b, done := startBridge(t, cfg, r, &got)
	// retransmissions are dropped by the router, so resending until the link is up is harmless
	assert.Eventually(t, func() bool {
		if r.opens.Load() > 0 {
			_ = r.send(mtText(0x1234, 0xffffffff, 7, "persist me"))
		}
		return got.len() > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, got.len())

	b.Env.Cancel(errors.New("test finished"))
	res := waitStopped(t, done)
	require.NoError(t, res.err)
	assert.False(t, res.restart)

	st, err := store.Open(context.Background(), cfg.Store.Path, clock.New(), discard)
	require.NoError(t, err)
	defer st.Close()
	pkts, err := st.Query(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, "persist me", pkts[0].Text)
	assert.Equal(t, state.BackendId("radio"), pkts[0].Source)

	// the catalog is written back on shutdown
	nodes, err := st.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, state.NodeId("!00001234"), nodes[0].NodeId)
}

func TestStart_Restart(t *testing.T) {
	cfg := fastConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "traffic.db")
	r := newFakeRadio(state.ProtoMeshtastic)
	var got packets

	b, done := startBridge(t, cfg, r, &got)
	b.Env.RequestRestart(errors.New("store keeps failing"))
	res := waitStopped(t, done)
	require.NoError(t, res.err)
	assert.True(t, res.restart)
}

func TestStart_SoleBackendUnavailable(t *testing.T) {
	cfg := fastConfig(mtBackend("radio", "10.0.0.1:4403"))
	cfg.Store.Path = filepath.Join(t.TempDir(), "traffic.db")
	r := newFakeRadio(state.ProtoMeshtastic)
	r.fail.Store(true)
	var got packets

	_, done := startBridge(t, cfg, r, &got)
	res := waitStopped(t, done)
	var ce *state.ConnectError
	assert.ErrorAs(t, res.err, &ce)
	assert.False(t, res.restart)
}

func TestStart_StoreUnavailableKeepsRouting(t *testing.T) {
	cfg := fastConfig(mtBackend("radio", "10.0.0.1:4403"))
	// a directory cannot be opened as a database
	cfg.Store.Path = t.TempDir()
	r := newFakeRadio(state.ProtoMeshtastic)
	defer r.closeAll()
	var got packets

	b, done := startBridge(t, cfg, r, &got)
	assert.Eventually(t, func() bool {
		if r.opens.Load() > 0 {
			_ = r.send(mtText(0x1234, 0xffffffff, 8, "no store"))
		}
		return got.len() > 0
	}, 5*time.Second, 20*time.Millisecond)

	b.Env.Cancel(errors.New("test finished"))
	res := waitStopped(t, done)
	require.NoError(t, res.err)
}

func TestNewLogger_File(t *testing.T) {
	cfg := state.Config{Id: "test", LogPath: filepath.Join(t.TempDir(), "logs", "bridge.log")}
	log, closer, err := NewLogger(cfg, slog.LevelInfo)
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("backend connected", "backend", "radio")
	require.NoError(t, closer.Close())

	out, err := os.ReadFile(cfg.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(out), "backend connected")
	assert.Contains(t, string(out), "backend=radio")
	assert.NotContains(t, string(out), "hidden")
}
