package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glueforge/commlink/pkg/checksum"
)

// Defaults are the process-wide fallbacks applied when a LinkConfig leaves
// the corresponding field zero
type Defaults struct {
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	DefaultRetries       int           `yaml:"default_retries"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBackoffBase time.Duration `yaml:"reconnect_backoff_base"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MaxLogEntries        int           `yaml:"max_log_entries"`
}

// UnmarshalYAML accepts durations in time.ParseDuration form ("500ms", "5s")
func (d *Defaults) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultTimeout       string `yaml:"default_timeout"`
		DefaultRetries       *int   `yaml:"default_retries"`
		HeartbeatInterval    string `yaml:"heartbeat_interval"`
		ReconnectBackoffBase string `yaml:"reconnect_backoff_base"`
		ReconnectMaxDelay    string `yaml:"reconnect_max_delay"`
		MaxReconnectAttempts *int   `yaml:"max_reconnect_attempts"`
		MaxLogEntries        *int   `yaml:"max_log_entries"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	setDur := func(dst *time.Duration, s string) error {
		if s == "" {
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: bad duration %q", ErrInvalidConfig, s)
		}
		*dst = v
		return nil
	}
	if err := setDur(&d.DefaultTimeout, raw.DefaultTimeout); err != nil {
		return err
	}
	if err := setDur(&d.HeartbeatInterval, raw.HeartbeatInterval); err != nil {
		return err
	}
	if err := setDur(&d.ReconnectBackoffBase, raw.ReconnectBackoffBase); err != nil {
		return err
	}
	if err := setDur(&d.ReconnectMaxDelay, raw.ReconnectMaxDelay); err != nil {
		return err
	}
	if raw.DefaultRetries != nil {
		d.DefaultRetries = *raw.DefaultRetries
	}
	if raw.MaxReconnectAttempts != nil {
		d.MaxReconnectAttempts = *raw.MaxReconnectAttempts
	}
	if raw.MaxLogEntries != nil {
		d.MaxLogEntries = *raw.MaxLogEntries
	}
	return nil
}

// DefaultDefaults returns the built-in global defaults
func DefaultDefaults() Defaults {
	return Defaults{
		DefaultTimeout:       1 * time.Second,
		DefaultRetries:       2,
		HeartbeatInterval:    10 * time.Second,
		ReconnectBackoffBase: 5 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 3,
		MaxLogEntries:        5000,
	}
}

// Validate checks the defaults against their permitted ranges
func (d *Defaults) Validate() error {
	if d.DefaultTimeout < 100*time.Millisecond || d.DefaultTimeout > 60*time.Second {
		return fmt.Errorf("%w: default timeout %v out of range 100ms..60s", ErrInvalidConfig, d.DefaultTimeout)
	}
	if d.DefaultRetries < 0 || d.DefaultRetries > 10 {
		return fmt.Errorf("%w: default retries %d out of range 0..10", ErrInvalidConfig, d.DefaultRetries)
	}
	if d.HeartbeatInterval < 1*time.Second {
		return fmt.Errorf("%w: heartbeat interval %v below 1s", ErrInvalidConfig, d.HeartbeatInterval)
	}
	if d.ReconnectBackoffBase <= 0 {
		return fmt.Errorf("%w: reconnect backoff base must be positive", ErrInvalidConfig)
	}
	if d.ReconnectMaxDelay < d.ReconnectBackoffBase {
		return fmt.Errorf("%w: reconnect max delay below backoff base", ErrInvalidConfig)
	}
	if d.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max reconnect attempts negative", ErrInvalidConfig)
	}
	if d.MaxLogEntries < 1 {
		return fmt.Errorf("%w: max log entries must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// LoadDefaults reads global defaults from a YAML file, filling unset fields
// with the built-in values
func LoadDefaults(path string) (Defaults, error) {
	d := DefaultDefaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("read defaults: %w", err)
	}
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("parse defaults: %w", err)
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// Apply fills zero-valued fields of a LinkConfig from the defaults. The
// protocol-specific Modbus timing knobs win over the generic ones
func (d Defaults) Apply(c *LinkConfig) {
	if c.ModbusRTU != nil {
		if c.ModbusRTU.ResponseTimeout > 0 {
			c.Timeout = c.ModbusRTU.ResponseTimeout
		}
		if c.ModbusRTU.RetryCount > 0 {
			c.MaxRetries = c.ModbusRTU.RetryCount
		}
	}
	if c.ModbusTCP != nil {
		if c.ModbusTCP.ResponseTimeout > 0 {
			c.Timeout = c.ModbusTCP.ResponseTimeout
		}
		if c.ModbusTCP.RetryCount > 0 {
			c.MaxRetries = c.ModbusTCP.RetryCount
		}
	}
	if c.Timeout == 0 {
		c.Timeout = d.DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.DefaultRetries
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Checksum == checksum.KindUnset {
		c.Checksum = checksum.KindCRC16Modbus
	}
}
