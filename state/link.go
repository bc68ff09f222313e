package state

import (
	"fmt"
	"time"
)

type LinkStatus int

const (
	Disconnected LinkStatus = iota
	Connecting
	Connected
	// Degraded means the handle is open but has not produced a successful read yet.
	Degraded
)

func (s LinkStatus) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Degraded:
		return "DEGRADED"
	default:
		return fmt.Sprintf("LinkStatus(%d)", int(s))
	}
}

func (s LinkStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LinkStatus) UnmarshalText(b []byte) error {
	for v := Disconnected; v <= Degraded; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown link status %q", b)
}

// LinkState is owned by the supervisor; everyone else sees copies.
type LinkState struct {
	Backend           BackendId  `json:"backend"`
	Status            LinkStatus `json:"status"`
	LastActivity      time.Time  `json:"last_activity"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
}

type Mode int

const (
	ModeStandalone Mode = iota
	ModeSingle
	ModeDual
)

func (m Mode) String() string {
	switch m {
	case ModeStandalone:
		return "STANDALONE"
	case ModeSingle:
		return "SINGLE"
	case ModeDual:
		return "DUAL"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	for v := ModeStandalone; v <= ModeDual; v++ {
		if v.String() == string(b) {
			*m = v
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

// ModeFor picks the operating mode from the number of configured backends.
func ModeFor(backends []BackendCfg) (Mode, error) {
	switch len(backends) {
	case 0:
		return ModeStandalone, nil
	case 1:
		return ModeSingle, nil
	case 2:
		return ModeDual, nil
	default:
		return ModeStandalone, &ConfigurationError{
			Field: "backends",
			Msg:   fmt.Sprintf("at most 2 backends are supported, got %d", len(backends)),
		}
	}
}
