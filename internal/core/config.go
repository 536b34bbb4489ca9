package core

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSupersededMetric is the metric conflicting routes are demoted to
	// while a desired route for the same network is installed.
	DefaultSupersededMetric = 9999
	// DefaultRelayPort is the loopback port the DNS relay listens on.
	DefaultRelayPort = 53
)

// IPCConfig configures the control boundary listener.
type IPCConfig struct {
	// Address is a named pipe path on Windows and a unix socket path elsewhere.
	// Empty selects the platform default.
	Address string `yaml:"address,omitempty"`
	// IdleTimeout stops the service when no client has been connected for
	// this long. Empty or "0" disables it.
	IdleTimeout string `yaml:"idle_timeout,omitempty" validate:"omitempty,duration"`
}

// RoutingConfig configures the route manager.
type RoutingConfig struct {
	SupersededMetric uint32 `yaml:"superseded_metric,omitempty" validate:"omitempty,min=1"`
}

// MonitorConfig configures the connectivity monitor.
type MonitorConfig struct {
	// Debounce waits for OS notifications to settle before re-evaluating.
	Debounce string `yaml:"debounce,omitempty" validate:"omitempty,duration"`
}

// FirewallConfig configures the firewall engine session.
type FirewallConfig struct {
	SessionName        string `yaml:"session_name,omitempty" validate:"omitempty,max=64"`
	SessionDescription string `yaml:"session_description,omitempty"`
}

// RelayConfig configures the loopback DNS relay.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Port    uint16 `yaml:"port,omitempty"`
	Timeout string `yaml:"timeout,omitempty" validate:"omitempty,duration"`
}

// MetricsConfig configures the metrics HTTP endpoint.
type MetricsConfig struct {
	// Listen is a host:port address. Empty disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// Config is the top-level YAML configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Logging  LogConfig      `yaml:"logging,omitempty"`
	IPC      IPCConfig      `yaml:"ipc,omitempty"`
	Routing  RoutingConfig  `yaml:"routing,omitempty"`
	Monitor  MonitorConfig  `yaml:"monitor,omitempty"`
	Firewall FirewallConfig `yaml:"firewall,omitempty"`
	Relay    RelayConfig    `yaml:"relay,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Version:  CurrentConfigVersion,
		Logging:  LogConfig{Level: "info"},
		Routing:  RoutingConfig{SupersededMetric: DefaultSupersededMetric},
		Monitor:  MonitorConfig{Debounce: "500ms"},
		Firewall: FirewallConfig{SessionName: "netguard", SessionDescription: "netguard DNS restriction"},
		Relay:    RelayConfig{Port: DefaultRelayPort, Timeout: "5s"},
	}
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Routing.SupersededMetric == 0 {
		c.Routing.SupersededMetric = d.Routing.SupersededMetric
	}
	if c.Monitor.Debounce == "" {
		c.Monitor.Debounce = d.Monitor.Debounce
	}
	if c.Firewall.SessionName == "" {
		c.Firewall.SessionName = d.Firewall.SessionName
	}
	if c.Firewall.SessionDescription == "" {
		c.Firewall.SessionDescription = d.Firewall.SessionDescription
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = d.Relay.Port
	}
	if c.Relay.Timeout == "" {
		c.Relay.Timeout = d.Relay.Timeout
	}
}

// IdleTimeoutDuration returns the parsed IPC idle timeout (0 when disabled).
func (c IPCConfig) IdleTimeoutDuration() time.Duration {
	return parseDurationOr(c.IdleTimeout, 0)
}

// DebounceDuration returns the parsed monitor debounce.
func (c MonitorConfig) DebounceDuration() time.Duration {
	return parseDurationOr(c.Debounce, 500*time.Millisecond)
}

// TimeoutDuration returns the parsed relay upstream timeout.
func (c RelayConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(c.Timeout, 5*time.Second)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("duration", validateDuration); err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				errs = append(errs, Configurationf("%s: failed %q check (value %v)", fieldPath(e.Namespace()), e.Tag(), e.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, Configurationf("metrics.listen: %v", err))
		}
	}
	return errors.Join(errs...)
}

// fieldPath trims the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// LoadConfig reads, defaults and validates the configuration at path.
// A missing file yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, using defaults", path)
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("[Core] failed to read config %s: %w", path, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("[Core] config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML, migrates older schemas, applies defaults and
// validates the result.
func ParseConfig(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	version, migrated, err := MigrateConfig(raw)
	if err != nil {
		return Config{}, err
	}
	if migrated {
		Log.Infof("Core", "Config migrated to version %d", version)
		if data, err = yaml.Marshal(raw); err != nil {
			return Config{}, fmt.Errorf("failed to re-encode migrated config: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Version = version
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigManager holds the active configuration and supports reloading.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		config:   DefaultConfig(),
		bus:      bus,
	}
}

// Load reads and validates the configuration from disk. On failure the
// previous configuration stays active.
func (cm *ConfigManager) Load() error {
	cfg, err := LoadConfig(cm.filePath)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	Log.Configure(cfg.Logging)
	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Path returns the configuration file path.
func (cm *ConfigManager) Path() string {
	return cm.filePath
}
