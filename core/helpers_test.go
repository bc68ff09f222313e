package core

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/meshbridge/radio"
	"github.com/encodeous/meshbridge/state"
	"google.golang.org/protobuf/encoding/protowire"
)

var discard = slog.New(slog.DiscardHandler)

func testEnv(t *testing.T, cfg state.Config, clk clock.Clock) *state.Env {
	state.ExpandConfig(&cfg)
	e := state.NewEnv(context.Background(), cfg, discard, clk)
	t.Cleanup(func() { e.Cancel(nil) })
	return e
}

// mtText builds a Meshtastic FromRadio payload carrying one text packet.
func mtText(from, to, id uint32, text string) []byte {
	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte(text))

	pkt := protowire.AppendTag(nil, 1, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, from)
	pkt = protowire.AppendTag(pkt, 2, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, to)
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, 6, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, id)

	msg := protowire.AppendTag(nil, 2, protowire.BytesType)
	return protowire.AppendBytes(msg, pkt)
}

// mtMyInfo builds a FromRadio payload announcing the local node number.
func mtMyInfo(num uint32) []byte {
	info := protowire.AppendTag(nil, 1, protowire.VarintType)
	info = protowire.AppendVarint(info, uint64(num))
	msg := protowire.AppendTag(nil, 3, protowire.BytesType)
	return protowire.AppendBytes(msg, info)
}

// fakeRadio stands in for a device: every open hands out one end of a net.Pipe and keeps the
// other end to inject frames and record what the bridge wrote.
type fakeRadio struct {
	proto radio.Protocol

	mu      sync.Mutex
	conns   []net.Conn
	written bytes.Buffer

	opens atomic.Int32
	fail  atomic.Bool
}

func newFakeRadio(p state.Protocol) *fakeRadio {
	proto, err := radio.New(p)
	if err != nil {
		panic(err)
	}
	return &fakeRadio{proto: proto}
}

func (f *fakeRadio) open(ctx context.Context, cfg state.BackendCfg) (io.ReadWriteCloser, error) {
	f.opens.Add(1)
	if f.fail.Load() {
		return nil, &state.ConnectError{Backend: cfg.Id, Endpoint: cfg.Endpoint(), Kind: state.DeviceNotFound}
	}
	local, remote := net.Pipe()
	f.mu.Lock()
	f.conns = append(f.conns, remote)
	// only what was written to the newest connection counts
	f.written.Reset()
	f.mu.Unlock()
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := remote.Read(buf)
			if n > 0 {
				f.mu.Lock()
				f.written.Write(buf[:n])
				f.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return local, nil
}

// send writes one framed payload from the device side of the newest connection. Only Meshtastic
// frames the same way in both directions.
func (f *fakeRadio) send(payload []byte) error {
	f.mu.Lock()
	if len(f.conns) == 0 {
		f.mu.Unlock()
		return io.ErrClosedPipe
	}
	c := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := c.Write(f.proto.Frame(payload))
	return err
}

// wrote reports whether the bridge wrote a frame containing payload.
func (f *fakeRadio) wrote(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Contains(f.written.Bytes(), f.proto.Frame(payload))
}

func (f *fakeRadio) conn(i int) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeRadio) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

// multiOpener routes opens to a fake radio per backend.
func multiOpener(radios map[state.BackendId]*fakeRadio) func(ctx context.Context, cfg state.BackendCfg) (io.ReadWriteCloser, error) {
	return func(ctx context.Context, cfg state.BackendCfg) (io.ReadWriteCloser, error) {
		return radios[cfg.Id].open(ctx, cfg)
	}
}

// packets collects what the consumer received.
type packets struct {
	mu  sync.Mutex
	got []state.DecodedPacket
}

func (p *packets) consume(pkt state.DecodedPacket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, pkt)
}

func (p *packets) list() []state.DecodedPacket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]state.DecodedPacket(nil), p.got...)
}

func (p *packets) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}
