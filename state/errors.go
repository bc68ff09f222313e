package state

import (
	"errors"
	"fmt"
)

var (
	// ErrReadTimeout is returned by a bounded read that saw no frame in time.
	ErrReadTimeout = errors.New("read timed out")
	// ErrLinkClosed is returned by operations on a closed link handle.
	ErrLinkClosed = errors.New("link closed")
)

type ConnectErrorKind int

const (
	DeviceNotFound ConnectErrorKind = iota
	PermissionDenied
	AlreadyInUse
)

func (k ConnectErrorKind) String() string {
	switch k {
	case DeviceNotFound:
		return "device not found"
	case PermissionDenied:
		return "permission denied"
	case AlreadyInUse:
		return "already in use"
	default:
		return fmt.Sprintf("ConnectErrorKind(%d)", int(k))
	}
}

// ConnectError is returned when a link handle cannot be opened.
type ConnectError struct {
	Backend  BackendId
	Endpoint string
	Kind     ConnectErrorKind
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect %s (%s): %s: %v", e.Backend, e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("connect %s (%s): %s", e.Backend, e.Endpoint, e.Kind)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ReadError is a transport failure while reading; it escalates through the health monitor.
type ReadError struct {
	Backend BackendId
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Backend, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// WriteError does not affect link health; callers decide whether to retry.
type WriteError struct {
	Backend BackendId
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Backend, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Msg
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Msg)
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
