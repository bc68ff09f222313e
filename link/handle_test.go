package link

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/encodeous/meshbridge/radio"
	"github.com/encodeous/meshbridge/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func pipe(t *testing.T) (*Handle, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	h := New("radio", radio.MeshCore{}, local, nil)
	t.Cleanup(func() {
		_ = h.Close()
		_ = remote.Close()
	})
	return h, remote
}

func inbound(payload []byte) []byte {
	return append([]byte{'>', byte(len(payload)), 0}, payload...)
}

func TestHandle_ReadFrame(t *testing.T) {
	h, remote := pipe(t)
	go func() {
		_, _ = remote.Write(inbound([]byte{0x83}))
	}()
	f, err := h.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x83}, f.Data)
	assert.Equal(t, state.BackendId("radio"), f.Backend)
	assert.False(t, f.Arrived.IsZero())
}

// noise and a frame in one chunk: the frame must come out without waiting for more bytes
func TestHandle_FrameBehindNoise(t *testing.T) {
	h, remote := pipe(t)
	chunk := append([]byte("noise"), '>', 0xff, 0xff)
	chunk = append(chunk, inbound([]byte{0x05, 1, 2, 3})...)
	go func() {
		_, _ = remote.Write(chunk)
	}()
	f, err := h.ReadFrame(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 1, 2, 3}, f.Data)
}

func TestHandle_ReadTimeout(t *testing.T) {
	h, _ := pipe(t)
	start := time.Now()
	_, err := h.ReadFrame(50 * time.Millisecond)
	assert.ErrorIs(t, err, state.ErrReadTimeout)
	assert.Less(t, time.Since(start), state.MaxReadWait)
}

func TestHandle_ReadAfterRemoteClose(t *testing.T) {
	h, remote := pipe(t)
	require.NoError(t, remote.Close())
	_, err := h.ReadFrame(time.Second)
	var re *state.ReadError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, re, io.EOF)
}

func TestHandle_CloseIdempotent(t *testing.T) {
	h, _ := pipe(t)
	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
	_, err := h.ReadFrame(time.Second)
	assert.ErrorIs(t, err, state.ErrLinkClosed)
	assert.ErrorIs(t, h.WriteFrame([]byte{1}), state.ErrLinkClosed)
}

func TestHandle_CloseUnblocksReader(t *testing.T) {
	h, _ := pipe(t)
	res := make(chan error, 1)
	go func() {
		_, err := h.ReadFrame(5 * time.Second)
		res <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Close())
	select {
	case err := <-res:
		assert.ErrorIs(t, err, state.ErrLinkClosed)
	case <-time.After(time.Second):
		t.Fatal("reader not released by close")
	}
}

func TestHandle_WriteFrame(t *testing.T) {
	h, remote := pipe(t)
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := io.ReadAtLeast(remote, buf, 4)
		got <- buf[:n]
	}()
	require.NoError(t, h.WriteFrame([]byte{0x04}))
	assert.Equal(t, []byte{'<', 1, 0, 0x04}, <-got)
}

func TestHandle_WriteTimeout(t *testing.T) {
	old := state.MaxWriteWait
	state.MaxWriteWait = 30 * time.Millisecond
	defer func() { state.MaxWriteWait = old }()

	h, _ := pipe(t)
	// nobody reads the remote end of the pipe
	err := h.WriteFrame([]byte{0x01})
	var we *state.WriteError
	assert.ErrorAs(t, err, &we)
}

func TestOpen_ConnectError(t *testing.T) {
	cfg := state.BackendCfg{Id: "radio", Protocol: state.ProtoMeshtastic, Serial: "/dev/does-not-exist"}
	_, err := Open(context.Background(), cfg, func(ctx context.Context, cfg state.BackendCfg) (io.ReadWriteCloser, error) {
		return nil, &os.PathError{Op: "open", Path: cfg.Serial, Err: os.ErrNotExist}
	}, nil)
	var ce *state.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, state.DeviceNotFound, ce.Kind)
	assert.Equal(t, state.BackendId("radio"), ce.Backend)

	_, err = Open(context.Background(), cfg, func(ctx context.Context, cfg state.BackendCfg) (io.ReadWriteCloser, error) {
		return nil, &os.PathError{Op: "open", Path: cfg.Serial, Err: os.ErrPermission}
	}, nil)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, state.PermissionDenied, ce.Kind)
}

func TestOpen_Tcp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	h, err := Open(context.Background(), state.BackendCfg{
		Id: "companion", Protocol: state.ProtoMeshCore, Tcp: ln.Addr().String(),
	}, nil, nil)
	require.NoError(t, err)
	remote := <-accepted
	require.NotNil(t, remote)
	defer remote.Close()

	_, err = remote.Write(inbound([]byte{0x0A}))
	require.NoError(t, err)
	f, err := h.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0A}, f.Data)
	assert.NoError(t, h.Close())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, state.DeviceNotFound, classify(errors.New("connection refused")))
	assert.Equal(t, state.PermissionDenied, classify(os.ErrPermission))
}
