package state

import (
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func BackendValidator(idx int, b BackendCfg) error {
	field := fmt.Sprintf("backends[%d]", idx)
	if err := NameValidator(string(b.Id)); err != nil {
		return &ConfigurationError{Field: field + ".id", Msg: err.Error()}
	}
	switch b.Protocol {
	case ProtoMeshtastic, ProtoMeshCore:
	default:
		return &ConfigurationError{Field: field + ".protocol", Msg: fmt.Sprintf("unknown protocol %q", b.Protocol)}
	}
	if (b.Serial == "") == (b.Tcp == "") {
		return &ConfigurationError{Field: field, Msg: "exactly one of serial or tcp must be set"}
	}
	if b.Tcp != "" {
		if _, _, err := net.SplitHostPort(b.Tcp); err != nil {
			return &ConfigurationError{Field: field + ".tcp", Msg: err.Error()}
		}
	}
	if b.Serial != "" && b.Baud < 0 {
		return &ConfigurationError{Field: field + ".baud", Msg: "baud rate must be positive"}
	}
	return nil
}

// CanonicalEndpoint resolves the physical endpoint a backend points at, without opening it.
// Serial paths are resolved through symlinks so /dev/serial/by-id aliases compare equal to the
// device node; tcp endpoints are normalised to lowercase host and canonical ip form.
func CanonicalEndpoint(b BackendCfg) (string, error) {
	if b.Serial != "" {
		p := filepath.Clean(b.Serial)
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			p = resolved
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		return "serial:" + abs, nil
	}
	host, port, err := net.SplitHostPort(b.Tcp)
	if err != nil {
		return "", err
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || host == "" {
		host = "127.0.0.1"
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		host = addr.Unmap().String()
	}
	return "tcp:" + net.JoinHostPort(host, port), nil
}

func endpointField(idx int, b BackendCfg) string {
	if b.Serial != "" {
		return fmt.Sprintf("backends[%d].serial", idx)
	}
	return fmt.Sprintf("backends[%d].tcp", idx)
}

// EndpointCollisionValidator fails when two backends resolve to the same physical endpoint.
func EndpointCollisionValidator(backends []BackendCfg) error {
	seen := make(map[string]int)
	for i, b := range backends {
		ep, err := CanonicalEndpoint(b)
		if err != nil {
			return &ConfigurationError{Field: endpointField(i, b), Msg: err.Error()}
		}
		if j, ok := seen[ep]; ok {
			return &ConfigurationError{
				Field: endpointField(j, backends[j]) + ", " + endpointField(i, b),
				Msg:   fmt.Sprintf("both backends resolve to the same endpoint %s", strings.SplitN(ep, ":", 2)[1]),
			}
		}
		seen[ep] = i
	}
	return nil
}

// ConfigValidator returns a *ConfigurationError for fatal problems. Soft problems, like a silence
// timeout too close to the health check interval, are returned as warnings.
func ConfigValidator(c *Config) ([]string, error) {
	warnings := make([]string, 0)
	if err := NameValidator(c.Id); err != nil {
		return nil, &ConfigurationError{Field: "id", Msg: err.Error()}
	}
	if _, err := ModeFor(c.Backends); err != nil {
		return nil, err
	}
	ids := make(map[BackendId]bool)
	for i, b := range c.Backends {
		if err := BackendValidator(i, b); err != nil {
			return nil, err
		}
		if ids[b.Id] {
			return nil, &ConfigurationError{Field: fmt.Sprintf("backends[%d].id", i), Msg: fmt.Sprintf("duplicate backend id %s", b.Id)}
		}
		ids[b.Id] = true
	}
	if err := EndpointCollisionValidator(c.Backends); err != nil {
		return nil, err
	}
	if c.HealthCheckInterval <= 0 {
		return nil, &ConfigurationError{Field: "health_check_interval", Msg: "must be positive"}
	}
	if c.SilenceTimeout < time.Duration(SilenceIntervalRatio)*c.HealthCheckInterval {
		warnings = append(warnings, fmt.Sprintf("silence_timeout (%s) should be at least %dx health_check_interval (%s)",
			c.SilenceTimeout, SilenceIntervalRatio, c.HealthCheckInterval))
	}
	if c.ForcedReconnectInterval < 0 {
		return nil, &ConfigurationError{Field: "forced_reconnect_interval", Msg: "must not be negative"}
	}
	if c.DedupWindow <= 0 {
		return nil, &ConfigurationError{Field: "dedup_window", Msg: "must be positive"}
	}
	if c.Sync.DeferredDelay < 0 {
		return nil, &ConfigurationError{Field: "sync.deferred_delay", Msg: "must not be negative"}
	}
	switch c.Store.Action {
	case ActionAlert, ActionRestart:
	default:
		return nil, &ConfigurationError{Field: "store.action", Msg: fmt.Sprintf("unknown action %q", c.Store.Action)}
	}
	if c.Store.ErrorThreshold <= 0 {
		return nil, &ConfigurationError{Field: "store.error_threshold", Msg: "must be positive"}
	}
	if c.Diag.Listen != "" {
		if _, err := netip.ParseAddrPort(c.Diag.Listen); err != nil {
			return nil, &ConfigurationError{Field: "diag.listen", Msg: err.Error()}
		}
	}
	return warnings, nil
}
