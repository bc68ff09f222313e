package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	ping "github.com/digineo/go-ping"
	"github.com/encodeous/meshbridge/radio"
	"github.com/encodeous/meshbridge/state"
	"go.bug.st/serial"
)

// Opener opens the raw stream of a backend.
type Opener func(ctx context.Context, cfg state.BackendCfg) (io.ReadWriteCloser, error)

var pingAttempts = 3

// Open opens the stream of cfg with open, or the default opener when open is nil, and wraps it in
// a Handle. Failures are reported as *state.ConnectError.
func Open(ctx context.Context, cfg state.BackendCfg, open Opener, clk clock.Clock) (*Handle, error) {
	proto, err := radio.New(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = DefaultOpener
	}
	ctx, cancel := context.WithTimeout(ctx, state.OpenTimeout)
	defer cancel()
	conn, err := open(ctx, cfg)
	if err != nil {
		var ce *state.ConnectError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &state.ConnectError{Backend: cfg.Id, Endpoint: cfg.Endpoint(), Kind: classify(err), Err: err}
	}
	return New(cfg.Id, proto, conn, clk), nil
}

func DefaultOpener(ctx context.Context, cfg state.BackendCfg) (io.ReadWriteCloser, error) {
	if cfg.Serial != "" {
		return OpenSerial(cfg)
	}
	return DialTcp(ctx, cfg)
}

func OpenSerial(cfg state.BackendCfg) (io.ReadWriteCloser, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = state.DefaultBaudRate
	}
	port, err := serial.Open(cfg.Serial, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, &state.ConnectError{Backend: cfg.Id, Endpoint: cfg.Serial, Kind: classify(err), Err: err}
	}
	return port, nil
}

func DialTcp(ctx context.Context, cfg state.BackendCfg) (io.ReadWriteCloser, error) {
	if cfg.IcmpPing {
		if err := pingHost(ctx, cfg.Tcp); err != nil {
			return nil, &state.ConnectError{Backend: cfg.Id, Endpoint: cfg.Tcp, Kind: state.DeviceNotFound, Err: err}
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Tcp)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pingHost pings the host before dialling, so an unplugged companion fails fast instead of waiting
// out the tcp connect timeout.
func pingHost(ctx context.Context, endpoint string) error {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return err
	}
	addr, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return err
	}
	if len(addr) == 0 {
		return fmt.Errorf("no address for %s", host)
	}
	bind4, bind6 := "", ""
	if addr[0].IP.To4() != nil {
		bind4 = "0.0.0.0"
	} else {
		bind6 = "::"
	}
	pinger, err := ping.New(bind4, bind6)
	if err != nil {
		return err
	}
	defer pinger.Close()
	timeout := time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl) / time.Duration(pingAttempts)
	}
	_, err = pinger.PingAttempts(&addr[0], timeout, pingAttempts)
	return err
}

func classify(err error) state.ConnectErrorKind {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PermissionDenied:
			return state.PermissionDenied
		case serial.PortBusy:
			return state.AlreadyInUse
		}
		return state.DeviceNotFound
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return state.PermissionDenied
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.EADDRINUSE):
		return state.AlreadyInUse
	}
	return state.DeviceNotFound
}
