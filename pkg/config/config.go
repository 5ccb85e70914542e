// Package config provides YAML-based configuration loading for the relay and
// the companion client.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name used in logs and the ping response
    AppName string `mapstructure:"app_name"`

    // DataDir base directory for persistent data (message store lives here)
    DataDir string `mapstructure:"data_dir"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Delivery holds the retry/expiry policy and payload limits
    Delivery DeliveryConfig `mapstructure:"delivery"`

    // Transport selects and configures the radio adapter
    Transport TransportConfig `mapstructure:"transport"`

    // IPC configures the relay<->companion link
    IPC IPCConfig `mapstructure:"ipc"`

    // Metrics configures the optional prometheus endpoint on the relay
    Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// DeliveryConfig is the retry/expiry policy. The scheduler poll interval must
// stay below the retry interval, which must stay below expiry; Load enforces
// the ordering.
type DeliveryConfig struct {
    // RetryInterval between attempts for an un-acked message
    RetryInterval time.Duration `mapstructure:"retry_interval"`
    // Expiry is how long a message may stay un-acked before it fails
    Expiry time.Duration `mapstructure:"expiry"`
    // PollInterval is the scheduler scan cadence
    PollInterval time.Duration `mapstructure:"poll_interval"`
    // SendTimeout bounds a single radio send call
    SendTimeout time.Duration `mapstructure:"send_timeout"`
    // HopLimit is the maximum relay count for a message on the mesh
    HopLimit int `mapstructure:"hop_limit"`
    // MaxSubjectBytes / MaxBodyBytes bound the text fields
    MaxSubjectBytes int `mapstructure:"max_subject_bytes"`
    MaxBodyBytes    int `mapstructure:"max_body_bytes"`
    // PayloadLimit is the radio's single-packet payload budget in bytes
    PayloadLimit int `mapstructure:"payload_limit"`
    // InboxReadLimit default page size for read commands
    InboxReadLimit int `mapstructure:"inbox_read_limit"`
}

// TransportConfig selects the radio adapter implementation.
type TransportConfig struct {
    // Kind: "udp" (datagram bridge, one packet per datagram) or "mem"
    // (in-process hub, tests and single-host experiments)
    Kind string `mapstructure:"kind"`
    // NodeID is this node's mesh identifier
    NodeID uint32 `mapstructure:"node_id"`
    // Listen address for the udp bridge
    Listen string `mapstructure:"listen"`
    // Peers maps node ids (decimal string keys) to udp addresses
    Peers map[string]string `mapstructure:"peers"`
}

// IPCConfig configures the point-to-point companion link.
type IPCConfig struct {
    // Network: "tcp" or "unix"
    Network string `mapstructure:"network"`
    // Address to listen on (relay) or dial (companion)
    Address string `mapstructure:"address"`
    // LivenessWindow without any frame before the link is considered down
    LivenessWindow time.Duration `mapstructure:"liveness_window"`
    // PingInterval for client keepalive pings; must be below LivenessWindow
    PingInterval time.Duration `mapstructure:"ping_interval"`
    // Reconnect backoff for the companion side
    BackoffInitial time.Duration `mapstructure:"backoff_initial"`
    BackoffMax     time.Duration `mapstructure:"backoff_max"`
    BackoffJitter  time.Duration `mapstructure:"backoff_jitter"`
}

// MetricsConfig configures the relay's prometheus endpoint.
type MetricsConfig struct {
    Enable bool   `mapstructure:"enable"`
    Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "akita-email",
        DataDir: "./data",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/akita.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Delivery: DeliveryConfig{
            RetryInterval:   5 * time.Minute,
            Expiry:          6 * time.Hour,
            PollInterval:    5 * time.Second,
            SendTimeout:     10 * time.Second,
            HopLimit:        7,
            MaxSubjectBytes: 60,
            MaxBodyBytes:    160,
            PayloadLimit:    233,
            InboxReadLimit:  50,
        },
        Transport: TransportConfig{
            Kind:   "udp",
            Listen: ":7388",
        },
        IPC: IPCConfig{
            Network:        "tcp",
            Address:        "127.0.0.1:7389",
            LivenessWindow: 15 * time.Second,
            PingInterval:   5 * time.Second,
            BackoffInitial: 500 * time.Millisecond,
            BackoffMax:     30 * time.Second,
            BackoffJitter:  100 * time.Millisecond,
        },
        Metrics: MetricsConfig{
            Enable: false,
            Listen: "127.0.0.1:9109",
        },
    }
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix AKITA and `.`/`-` are replaced with
// `_`. Example: AKITA_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("AKITA")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("data_dir", cfg.DataDir)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("delivery.retry_interval", cfg.Delivery.RetryInterval)
    v.SetDefault("delivery.expiry", cfg.Delivery.Expiry)
    v.SetDefault("delivery.poll_interval", cfg.Delivery.PollInterval)
    v.SetDefault("delivery.send_timeout", cfg.Delivery.SendTimeout)
    v.SetDefault("delivery.hop_limit", cfg.Delivery.HopLimit)
    v.SetDefault("delivery.max_subject_bytes", cfg.Delivery.MaxSubjectBytes)
    v.SetDefault("delivery.max_body_bytes", cfg.Delivery.MaxBodyBytes)
    v.SetDefault("delivery.payload_limit", cfg.Delivery.PayloadLimit)
    v.SetDefault("delivery.inbox_read_limit", cfg.Delivery.InboxReadLimit)
    v.SetDefault("transport.kind", cfg.Transport.Kind)
    v.SetDefault("transport.node_id", cfg.Transport.NodeID)
    v.SetDefault("transport.listen", cfg.Transport.Listen)
    v.SetDefault("ipc.network", cfg.IPC.Network)
    v.SetDefault("ipc.address", cfg.IPC.Address)
    v.SetDefault("ipc.liveness_window", cfg.IPC.LivenessWindow)
    v.SetDefault("ipc.ping_interval", cfg.IPC.PingInterval)
    v.SetDefault("ipc.backoff_initial", cfg.IPC.BackoffInitial)
    v.SetDefault("ipc.backoff_max", cfg.IPC.BackoffMax)
    v.SetDefault("ipc.backoff_jitter", cfg.IPC.BackoffJitter)
    v.SetDefault("metrics.enable", cfg.Metrics.Enable)
    v.SetDefault("metrics.listen", cfg.Metrics.Listen)

    if path == "" {
        if envPath := os.Getenv("AKITA_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("akita")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".akita"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }

    d := &c.Delivery
    if d.RetryInterval <= 0 || d.Expiry <= 0 || d.PollInterval <= 0 {
        return fmt.Errorf("delivery intervals must be positive")
    }
    if d.PollInterval >= d.RetryInterval {
        return fmt.Errorf("delivery.poll_interval (%s) must be below delivery.retry_interval (%s)", d.PollInterval, d.RetryInterval)
    }
    if d.RetryInterval >= d.Expiry {
        return fmt.Errorf("delivery.retry_interval (%s) must be below delivery.expiry (%s)", d.RetryInterval, d.Expiry)
    }
    if d.HopLimit < 1 {
        return fmt.Errorf("delivery.hop_limit must be >= 1")
    }
    if d.PayloadLimit < 32 {
        return fmt.Errorf("delivery.payload_limit too small: %d", d.PayloadLimit)
    }
    if d.MaxSubjectBytes <= 0 || d.MaxBodyBytes <= 0 {
        return fmt.Errorf("delivery text limits must be positive")
    }
    if d.InboxReadLimit <= 0 {
        d.InboxReadLimit = 50
    }

    c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
    switch c.Transport.Kind {
    case "udp", "mem":
        // ok
    default:
        return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
    }

    switch c.IPC.Network {
    case "tcp", "unix":
        // ok
    default:
        return fmt.Errorf("invalid ipc.network: %q", c.IPC.Network)
    }
    if c.IPC.PingInterval <= 0 || c.IPC.LivenessWindow <= c.IPC.PingInterval {
        return fmt.Errorf("ipc.liveness_window must exceed ipc.ping_interval")
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
