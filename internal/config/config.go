package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor NATMAP_SYNCER_CONFIG_PATH is set.
const DefaultPath = "config.yaml"

// PathEnv names the environment variable that points at the config file.
const PathEnv = "NATMAP_SYNCER_CONFIG_PATH"

// DefaultCommand concatenates every natmap state file on an OpenWrt router.
const DefaultCommand = `find /var/run/natmap/ -name "*.json" -exec cat '{}' +`

// SSHMonitor configures the router session and sync loop. Environment
// overrides use the NATMAP_SSH_ prefix, e.g. NATMAP_SSH_KEY_PATH.
type SSHMonitor struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"ssh_host"`
	User           string `yaml:"ssh_user"`
	Port           int    `yaml:"ssh_port"`
	KeyPath        string `yaml:"ssh_key_path" split_words:"true"`
	KnownHostsPath string `yaml:"known_hosts_path" split_words:"true"`
	PollInterval   int    `yaml:"ssh_poll_interval" split_words:"true"` // seconds
	ConnectTimeout int    `yaml:"connect_timeout" split_words:"true"`   // seconds
	CommandTimeout int    `yaml:"command_timeout" split_words:"true"`   // seconds
	RetryInterval  int    `yaml:"retry_interval" split_words:"true"`    // seconds
	Command        string `yaml:"command"`
}

// Settings is the full service configuration. Field names map to NATMAP_*
// environment variables without an unprefixed fallback.
type Settings struct {
	BindHost string `yaml:"bind_host" split_words:"true"`
	BindPort int    `yaml:"bind_port" split_words:"true"`
	DBPath   string `yaml:"db_path" split_words:"true"`
	LogLevel string `yaml:"logging_level" split_words:"true"`
	LogPath  string `yaml:"log_path" split_words:"true"`

	// Maintenance jobs
	SubscriberPingInterval int    `yaml:"subscriber_ping_interval" split_words:"true"` // seconds, 0 disables
	CheckpointSchedule     string `yaml:"checkpoint_schedule" split_words:"true"`

	SSHMonitor SSHMonitor `yaml:"ssh_monitor" envconfig:"SSH"`
}

// Defaults returns the settings used for any field the config file and
// environment leave unset.
func Defaults() Settings {
	return Settings{
		BindHost:               "0.0.0.0",
		BindPort:               8080,
		DBPath:                 "natmap.db",
		LogLevel:               "INFO",
		SubscriberPingInterval: 30,
		CheckpointSchedule:     "@hourly",
		SSHMonitor: SSHMonitor{
			Port:           22,
			PollInterval:   10,
			ConnectTimeout: 5,
			CommandTimeout: 5,
			RetryInterval:  5,
			Command:        DefaultCommand,
		},
	}
}

// ResolvePath picks the config file path: the explicit flag value, then
// NATMAP_SYNCER_CONFIG_PATH, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads defaults, then the YAML file at path, then NATMAP_* environment
// overrides and validates the result. A missing file is only an error when
// the path was given explicitly.
func Load(path string, required bool) (*Settings, error) {
	s := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process("NATMAP", &s); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	s.LogLevel = strings.ToUpper(s.LogLevel)
	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// Validate checks settings for values the service cannot run with.
func (s *Settings) Validate() error {
	if s.BindPort < 1 || s.BindPort > 65535 {
		return fmt.Errorf("bind_port %d out of range", s.BindPort)
	}
	if s.DBPath == "" {
		return errors.New("db_path must be set")
	}
	switch s.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("unknown logging_level %q", s.LogLevel)
	}
	if s.SubscriberPingInterval < 0 {
		return fmt.Errorf("subscriber_ping_interval must not be negative")
	}

	m := s.SSHMonitor
	if !m.Enabled {
		return nil
	}
	if m.Host == "" || m.User == "" {
		return errors.New("ssh_monitor: ssh_host and ssh_user are required when enabled")
	}
	if m.KeyPath == "" {
		return errors.New("ssh_monitor: ssh_key_path is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("ssh_monitor: ssh_port %d out of range", m.Port)
	}
	if m.PollInterval <= 0 {
		return errors.New("ssh_monitor: ssh_poll_interval must be positive")
	}
	if m.ConnectTimeout <= 0 || m.CommandTimeout <= 0 || m.RetryInterval <= 0 {
		return errors.New("ssh_monitor: timeouts and retry_interval must be positive")
	}
	if strings.TrimSpace(m.Command) == "" {
		return errors.New("ssh_monitor: command must not be empty")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (s *Settings) Addr() string {
	return net.JoinHostPort(s.BindHost, strconv.Itoa(s.BindPort))
}

func (m SSHMonitor) PollEvery() time.Duration   { return time.Duration(m.PollInterval) * time.Second }
func (m SSHMonitor) DialTimeout() time.Duration { return time.Duration(m.ConnectTimeout) * time.Second }
func (m SSHMonitor) ExecTimeout() time.Duration { return time.Duration(m.CommandTimeout) * time.Second }
func (m SSHMonitor) RetryEvery() time.Duration  { return time.Duration(m.RetryInterval) * time.Second }
