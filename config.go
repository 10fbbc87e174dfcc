package chatsock

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix is the environment prefix used by NewConfigManager when
// none is given: server.addr is overridden by CHATSOCK_SERVER_ADDR.
const DefaultEnvPrefix = "CHATSOCK"

// Engine names accepted in ServerConfig.Engine.
const (
	EngineStd  = "std"
	EngineGnet = "gnet"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrNoConfigFile is returned by Watch when no file was loaded.
	ErrNoConfigFile = errors.New("no config file loaded")
)

// Config is the full configuration of a chat ingress process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the TCP transport.
type ServerConfig struct {
	Engine          string        `mapstructure:"engine" validate:"oneof=std gnet"`
	Network         string        `mapstructure:"network" validate:"oneof=tcp tcp4 tcp6"`
	Addr            string        `mapstructure:"addr" validate:"required,hostname_port"`
	Multicore       bool          `mapstructure:"multicore"`
	NumEventLoop    int           `mapstructure:"num_event_loop" validate:"gte=0"`
	ReusePort       bool          `mapstructure:"reuse_port"`
	TCPKeepAlive    time.Duration `mapstructure:"tcp_keep_alive" validate:"gte=0"`
	MaxConnections  int           `mapstructure:"max_connections" validate:"gte=0"`
	AcceptRate      float64       `mapstructure:"accept_rate" validate:"gte=0"`
	AcceptBurst     int           `mapstructure:"accept_burst" validate:"gte=0"`
	SendQueueSize   int           `mapstructure:"send_queue_size" validate:"gte=1"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size" validate:"gte=64"`
	Heartbeat       time.Duration `mapstructure:"heartbeat" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// DispatchConfig configures framing and error replies.
type DispatchConfig struct {
	MaxFrameSize int    `mapstructure:"max_frame_size" validate:"gte=3"`
	ErrorReply   string `mapstructure:"error_reply" validate:"required,json"`
}

// HTTPConfig configures the HTTP listener carrying WebSocket and metrics.
// An empty Addr disables it.
type HTTPConfig struct {
	Addr          string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	WebSocketPath string `mapstructure:"websocket_path" validate:"startswith=/"`
	MetricsPath   string `mapstructure:"metrics_path" validate:"startswith=/"`
}

// LogConfig configures NewZapLogger.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

var configDefaults = map[string]any{
	"server.engine":           EngineStd,
	"server.network":          "tcp",
	"server.addr":             "0.0.0.0:6000",
	"server.multicore":        true,
	"server.num_event_loop":   defaultEventLoops,
	"server.reuse_port":       false,
	"server.tcp_keep_alive":   time.Minute,
	"server.max_connections":  0,
	"server.accept_rate":      0.0,
	"server.accept_burst":     100,
	"server.send_queue_size":  defaultBufferSize,
	"server.read_buffer_size": defaultReadBufferSize,
	"server.heartbeat":        defaultHeartbeat,
	"server.shutdown_timeout": 5 * time.Second,

	"dispatch.max_frame_size": DefaultMaxFrameSize,
	"dispatch.error_reply":    string(DefaultErrorReply),

	"http.addr":           "",
	"http.websocket_path": "/ws",
	"http.metrics_path":   "/metrics",

	"log.level":        "info",
	"log.format":       "json",
	"log.file":         "",
	"log.max_size_mb":  100,
	"log.max_backups":  7,
	"log.max_age_days": 30,
	"log.compress":     true,
}

// ConfigManager loads Config from defaults, an optional file and the
// environment, in increasing order of precedence.
type ConfigManager struct {
	mu       sync.RWMutex
	v        *viper.Viper
	validate *validator.Validate
	loaded   bool
}

// NewConfigManager returns a manager reading environment variables with
// envPrefix. An empty prefix means DefaultEnvPrefix.
func NewConfigManager(envPrefix string) *ConfigManager {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}

	v := viper.New()
	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &ConfigManager{v: v, validate: validator.New()}
}

// Load reads path, if not empty, and returns the validated configuration.
// The file format is taken from the extension (yaml, json, toml, ...).
func (m *ConfigManager) Load(path string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path != "" {
		m.v.SetConfigFile(path)
		if err := m.v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		m.loaded = true
	}

	return m.decode()
}

// Watch calls onChange with the new configuration every time the loaded
// file changes. Changes that fail to decode or validate are not delivered.
func (m *ConfigManager) Watch(onChange func(*Config), logger Logger) error {
	if logger == nil {
		logger = defaultLogger()
	}

	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if !loaded {
		return ErrNoConfigFile
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.mu.Lock()
		cfg, err := m.decode()
		m.mu.Unlock()

		if err != nil {
			logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	m.v.WatchConfig()
	return nil
}

func (m *ConfigManager) decode() (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := m.v.Unmarshal(&cfg, hook); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(m.validate); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its field constraints.
func (cfg *Config) Validate(v *validator.Validate) error {
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fe.Namespace()+" fails "+fe.Tag())
			}
			return errors.Wrap(ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// TCPAddr resolves the listen address for the std engine.
func (s ServerConfig) TCPAddr() (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr(s.Network, s.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s address %s", s.Network, s.Addr)
	}
	return addr, nil
}

// ProtoAddr returns the listen address in gnet's proto://addr form.
func (s ServerConfig) ProtoAddr() string {
	return s.Network + "://" + s.Addr
}

// ConnOptions maps the configuration onto Conn options.
func (cfg *Config) ConnOptions() []Option {
	return []Option{
		BufferSizeOption(cfg.Server.SendQueueSize),
		ReadBufferSizeOption(cfg.Server.ReadBufferSize),
		HeartbeatOption(cfg.Server.Heartbeat),
	}
}

// DispatcherOptions maps the configuration onto Dispatcher options.
func (cfg *Config) DispatcherOptions() []DispatcherOption {
	return []DispatcherOption{
		MaxFrameSizeOption(cfg.Dispatch.MaxFrameSize),
		ErrorReplyOption([]byte(cfg.Dispatch.ErrorReply)),
	}
}

// ServerOptions maps the configuration onto Server options.
func (cfg *Config) ServerOptions() []ServerOption {
	return []ServerOption{
		ServerMaxConnectionsOption(cfg.Server.MaxConnections),
		ServerShutdownTimeoutOption(cfg.Server.ShutdownTimeout),
		ServerAcceptRateOption(cfg.Server.AcceptRate, cfg.Server.AcceptBurst),
	}
}

// GnetOptions maps the configuration onto GnetEngine options.
func (cfg *Config) GnetOptions() []GnetOption {
	return []GnetOption{
		GnetMulticoreOption(cfg.Server.Multicore),
		GnetEventLoopsOption(cfg.Server.NumEventLoop),
		GnetReusePortOption(cfg.Server.ReusePort),
		GnetKeepAliveOption(cfg.Server.TCPKeepAlive),
	}
}
