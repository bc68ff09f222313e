// Package link owns the byte streams to radios. A Handle turns one stream into bounded frame
// reads and writes; it never retries or reconnects on its own.
package link

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/meshbridge/radio"
	"github.com/encodeous/meshbridge/state"
	"github.com/google/uuid"
)

const frameQueue = 64

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type Handle struct {
	id      uuid.UUID
	backend state.BackendId
	proto   radio.Protocol
	conn    io.ReadWriteCloser
	clk     clock.Clock

	frames   chan state.RawFrame
	pumpDone chan struct{}
	pumpErr  atomic.Pointer[error]

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	writeMu sync.Mutex
}

// New wraps an open stream and starts reading frames from it.
func New(backend state.BackendId, proto radio.Protocol, conn io.ReadWriteCloser, clk clock.Clock) *Handle {
	if clk == nil {
		clk = clock.New()
	}
	h := &Handle{
		id:       uuid.New(),
		backend:  backend,
		proto:    proto,
		conn:     conn,
		clk:      clk,
		frames:   make(chan state.RawFrame, frameQueue),
		pumpDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go h.pump()
	return h
}

func (h *Handle) Id() uuid.UUID {
	return h.id
}

func (h *Handle) Backend() state.BackendId {
	return h.backend
}

func (h *Handle) Protocol() radio.Protocol {
	return h.proto
}

func (h *Handle) pump() {
	defer close(h.pumpDone)
	sc := bufio.NewScanner(h.conn)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	sc.Split(h.proto.Split)
	for sc.Scan() {
		frame := state.RawFrame{
			Data:    append([]byte(nil), sc.Bytes()...),
			Arrived: h.clk.Now(),
			Backend: h.backend,
		}
		select {
		case h.frames <- frame:
		case <-h.closed:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	h.pumpErr.Store(&err)
}

// ReadFrame waits at most timeout, clamped to state.MaxReadWait, for the next frame. It returns
// state.ErrReadTimeout when nothing arrived, state.ErrLinkClosed after Close, and a
// *state.ReadError when the stream failed.
func (h *Handle) ReadFrame(timeout time.Duration) (state.RawFrame, error) {
	select {
	case <-h.closed:
		return state.RawFrame{}, state.ErrLinkClosed
	default:
	}
	// frames that arrived before a stream failure are still delivered
	select {
	case f := <-h.frames:
		return f, nil
	default:
	}
	if timeout <= 0 || timeout > state.MaxReadWait {
		timeout = state.MaxReadWait
	}
	timer := h.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case f := <-h.frames:
		return f, nil
	case <-h.closed:
		return state.RawFrame{}, state.ErrLinkClosed
	case <-h.pumpDone:
		select {
		case f := <-h.frames:
			return f, nil
		default:
		}
		select {
		case <-h.closed:
			return state.RawFrame{}, state.ErrLinkClosed
		default:
		}
		var err error = io.EOF
		if p := h.pumpErr.Load(); p != nil {
			err = *p
		}
		return state.RawFrame{}, &state.ReadError{Backend: h.backend, Err: err}
	case <-timer.C:
		return state.RawFrame{}, state.ErrReadTimeout
	}
}

// WriteFrame frames payload and writes it, bounded by state.MaxWriteWait.
func (h *Handle) WriteFrame(payload []byte) error {
	select {
	case <-h.closed:
		return state.ErrLinkClosed
	default:
	}
	if len(payload) > state.MaxFrameSize {
		return &state.WriteError{Backend: h.backend, Err: errors.New("payload exceeds max frame size")}
	}
	buf := h.proto.Frame(payload)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if d, ok := h.conn.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(state.MaxWriteWait))
		if _, err := h.conn.Write(buf); err != nil {
			return &state.WriteError{Backend: h.backend, Err: err}
		}
		return nil
	}
	// serial ports have no write deadline
	res := make(chan error, 1)
	go func() {
		_, err := h.conn.Write(buf)
		res <- err
	}()
	timer := h.clk.Timer(state.MaxWriteWait)
	defer timer.Stop()
	select {
	case err := <-res:
		if err != nil {
			return &state.WriteError{Backend: h.backend, Err: err}
		}
		return nil
	case <-timer.C:
		return &state.WriteError{Backend: h.backend, Err: errors.New("write timed out")}
	case <-h.closed:
		return state.ErrLinkClosed
	}
}

// Close releases the stream. It is safe to call more than once and from any goroutine; the
// underlying stream is closed exactly once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.closeErr = h.conn.Close()
		select {
		case <-h.pumpDone:
		case <-time.After(state.ShutdownJoinTimeout):
		}
	})
	return h.closeErr
}

// Done is closed once the stream stopped producing frames, either from Close or a failure.
func (h *Handle) Done() <-chan struct{} {
	return h.pumpDone
}
