package state

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

type Protocol string

const (
	ProtoMeshtastic Protocol = "meshtastic"
	ProtoMeshCore   Protocol = "meshcore"
)

// BackendCfg is one physical radio endpoint. Exactly one of Serial and Tcp is set.
type BackendCfg struct {
	Id        BackendId `yaml:"id"`
	Protocol  Protocol  `yaml:"protocol"`
	Serial    string    `yaml:"serial,omitempty"`    // device path, e.g. /dev/ttyUSB0
	Baud      int       `yaml:"baud,omitempty"`      // serial baud rate
	Tcp       string    `yaml:"tcp,omitempty"`       // host:port of a stream endpoint
	NodeId    NodeId    `yaml:"node_id,omitempty"`   // our own node id, learned from the radio if empty
	IcmpPing  bool      `yaml:"icmp_ping,omitempty"` // ping the tcp host before dialling
}

// Endpoint is the configured endpoint string, used in logs and errors.
func (b BackendCfg) Endpoint() string {
	if b.Serial != "" {
		return b.Serial
	}
	return b.Tcp
}

type SyncCfg struct {
	Interval      time.Duration `yaml:"interval,omitempty"`
	DeferredDelay time.Duration `yaml:"deferred_delay,omitempty"` // delay of the catalog sync after a reconnect
}

type StoreAction string

const (
	ActionAlert   StoreAction = "alert"
	ActionRestart StoreAction = "restart"
)

type StoreCfg struct {
	Path            string        `yaml:"path,omitempty"`
	Retention       time.Duration `yaml:"retention,omitempty"`
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`
	QueueSize       int           `yaml:"queue_size,omitempty"`
	ErrorThreshold  int           `yaml:"error_threshold,omitempty"` // consecutive failures before the action fires
	ErrorWindow     time.Duration `yaml:"error_window,omitempty"`
	Action          StoreAction   `yaml:"action,omitempty"`
}

type DiagCfg struct {
	Listen string `yaml:"listen,omitempty"` // empty disables the diagnostic server
}

// Config is the whole on-disk configuration of a bridge.
type Config struct {
	Id                      string        `yaml:"id"`
	LogPath                 string        `yaml:"log_path,omitempty"` // if not empty, logs are also written to this file
	Backends                []BackendCfg  `yaml:"backends,omitempty"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval,omitempty"`
	SilenceTimeout          time.Duration `yaml:"silence_timeout,omitempty"`
	ForcedReconnectInterval time.Duration `yaml:"forced_reconnect_interval,omitempty"` // 0 disables
	TeardownCooldown        time.Duration `yaml:"teardown_cooldown,omitempty"`
	ReconnectBackoffMax     time.Duration `yaml:"reconnect_backoff_max,omitempty"`
	DedupWindow             time.Duration `yaml:"dedup_window,omitempty"`
	Sync                    SyncCfg       `yaml:"sync,omitempty"`
	Store                   StoreCfg      `yaml:"store,omitempty"`
	Diag                    DiagCfg       `yaml:"diag,omitempty"`
}

func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// ExpandConfig fills every unset option with its default.
func ExpandConfig(c *Config) {
	orDefault(&c.Id, "meshbridge")
	orDefault(&c.HealthCheckInterval, HealthCheckInterval)
	orDefault(&c.SilenceTimeout, SilenceTimeout)
	orDefault(&c.ForcedReconnectInterval, ForcedReconnectInterval)
	orDefault(&c.TeardownCooldown, TeardownCooldown)
	orDefault(&c.ReconnectBackoffMax, ReconnectBackoffMax)
	orDefault(&c.DedupWindow, DedupWindow)
	orDefault(&c.Sync.Interval, SyncInterval)
	orDefault(&c.Sync.DeferredDelay, SyncDeferredDelay)
	orDefault(&c.Store.Path, DefaultStorePath)
	orDefault(&c.Store.Retention, StoreRetention)
	orDefault(&c.Store.CleanupInterval, StoreCleanupInterval)
	orDefault(&c.Store.QueueSize, StoreQueueSize)
	orDefault(&c.Store.ErrorThreshold, StoreErrorThreshold)
	orDefault(&c.Store.ErrorWindow, StoreErrorWindow)
	orDefault(&c.Store.Action, ActionAlert)
	for i := range c.Backends {
		if c.Backends[i].Serial != "" {
			orDefault(&c.Backends[i].Baud, DefaultBaudRate)
		}
	}
}

// ReadConfig loads, expands and validates a config file. Warnings are returned alongside a valid
// config; a *ConfigurationError is returned for anything fatal.
func ReadConfig(path string) (*Config, []string, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var cfg Config
	err = yaml.Unmarshal(file, &cfg)
	if err != nil {
		return nil, nil, &ConfigurationError{Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}
	ExpandConfig(&cfg)
	warnings, err := ConfigValidator(&cfg)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, warnings, nil
}

func (c *Config) Backend(id BackendId) (BackendCfg, bool) {
	for _, b := range c.Backends {
		if b.Id == id {
			return b, true
		}
	}
	return BackendCfg{}, false
}

// SampleConfig is written by `meshbridge init`.
func SampleConfig() Config {
	cfg := Config{
		Id: "meshbridge",
		Backends: []BackendCfg{
			{
				Id:       "radio",
				Protocol: ProtoMeshtastic,
				Serial:   "/dev/ttyUSB0",
			},
			{
				Id:       "companion",
				Protocol: ProtoMeshCore,
				Tcp:      "192.168.1.20:5000",
			},
		},
		Diag: DiagCfg{Listen: "127.0.0.1:9464"},
	}
	ExpandConfig(&cfg)
	return cfg
}
