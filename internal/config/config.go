package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Protocol selects the remote transport.
type Protocol string

const (
	ProtocolSFTP Protocol = "sftp"
	ProtocolFTP  Protocol = "ftp"
)

// Mode selects which side is authoritative for the session.
// In LOCAL mode local changes are pushed to the remote; in REMOTE mode
// remote changes are pulled down.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Defaults for the tunable knobs. All of them are operator-configurable;
// these match the values the tool ships with.
const (
	DefaultSFTPPort       = 22
	DefaultFTPPort        = 21
	DefaultPollInterval   = 10 * time.Second
	DefaultPollTimeout    = 30 * time.Second
	DefaultDebounceWindow = 500 * time.Millisecond
	DefaultSuppressWindow = 2 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultBackoffBase    = 1 * time.Second
	DefaultBackoffCap     = 30 * time.Second
	DefaultMaxIORetries   = 5
)

// Config holds everything the monitor needs for one session. It is built
// once at startup from flags, env and the optional config file, then never
// mutated.
type Config struct {
	Host     string   `json:"host" mapstructure:"host"`
	Port     int      `json:"port" mapstructure:"port"`
	Protocol Protocol `json:"protocol" mapstructure:"protocol"`
	Username string   `json:"username" mapstructure:"username"`
	Password string   `json:"password" mapstructure:"password"`
	KeyFile  string   `json:"key_file" mapstructure:"key_file"`

	RemoteRoot string `json:"remote_root" mapstructure:"remote_root"`
	LocalRoot  string `json:"local_root" mapstructure:"local_root"`
	Mode       Mode   `json:"mode" mapstructure:"mode"`

	PollInterval   time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout    time.Duration `json:"poll_timeout" mapstructure:"poll_timeout"`
	DebounceWindow time.Duration `json:"debounce_window" mapstructure:"debounce_window"`
	SuppressWindow time.Duration `json:"suppress_window" mapstructure:"suppress_window"`
	DialTimeout    time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`

	BackoffBase  time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap   time.Duration `json:"backoff_cap" mapstructure:"backoff_cap"`
	MaxIORetries int           `json:"max_io_retries" mapstructure:"max_io_retries"`
}

// ApplyDefaults fills zero-valued tunables with their defaults. The port
// default depends on the protocol, so this must run after the protocol is
// known.
func (c *Config) ApplyDefaults() {
	if c.Protocol == "" {
		c.Protocol = ProtocolSFTP
	}
	if c.Port == 0 {
		if c.Protocol == ProtocolFTP {
			c.Port = DefaultFTPPort
		} else {
			c.Port = DefaultSFTPPort
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.SuppressWindow <= 0 {
		c.SuppressWindow = DefaultSuppressWindow
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.MaxIORetries <= 0 {
		c.MaxIORetries = DefaultMaxIORetries
	}
}

// Validate checks the configuration and the local root. Any error returned
// here is fatal at startup: the monitor refuses to run on a bad config
// rather than limp along.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Protocol != ProtocolSFTP && c.Protocol != ProtocolFTP {
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolSFTP, ProtocolFTP, c.Protocol)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" && c.KeyFile == "" {
		return fmt.Errorf("either a password or a key file is required")
	}
	if c.Protocol == ProtocolFTP && c.KeyFile != "" {
		return fmt.Errorf("key file authentication is only supported for sftp")
	}
	if c.Mode != ModeLocal && c.Mode != ModeRemote {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeLocal, ModeRemote, c.Mode)
	}
	if c.RemoteRoot == "" {
		return fmt.Errorf("remote root is required")
	}
	if c.LocalRoot == "" {
		return fmt.Errorf("local root is required")
	}

	local, err := ExpandHome(c.LocalRoot)
	if err != nil {
		return err
	}
	c.LocalRoot = filepath.Clean(local)
	c.RemoteRoot = strings.TrimRight(strings.ReplaceAll(c.RemoteRoot, "\\", "/"), "/")
	if c.RemoteRoot == "" {
		c.RemoteRoot = "/"
	}

	info, err := os.Stat(c.LocalRoot)
	if err != nil {
		return fmt.Errorf("local root: %v", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local root is not a directory: %s", c.LocalRoot)
	}
	if c.Mode == ModeRemote {
		// REMOTE mode writes downloads into the local root.
		probe := filepath.Join(c.LocalRoot, ".sftpmonitor-probe")
		if err := os.WriteFile(probe, nil, 0644); err != nil {
			return fmt.Errorf("local root is not writable: %v", err)
		}
		os.Remove(probe)
	} else {
		if _, err := os.ReadDir(c.LocalRoot); err != nil {
			return fmt.Errorf("local root is not readable: %v", err)
		}
	}
	return nil
}

// Addr returns the host:port dial target.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %v", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
