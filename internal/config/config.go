package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type AudioConfig struct {
	MaxQueueMs  int `mapstructure:"max_queue_ms" validate:"gte=20,lte=5000"`
	SampleRate  int `mapstructure:"sample_rate" validate:"oneof=8000 12000 16000 24000 48000"`
	Channels    int `mapstructure:"channels" validate:"oneof=1 2"`
	FrameMs     int `mapstructure:"frame_ms" validate:"oneof=10 20 40 60"`
	BitrateKbps int `mapstructure:"bitrate_kbps" validate:"gte=6,lte=510"`
}

type NativeConfig struct {
	Dir     string `mapstructure:"dir"`
	OpusLib string `mapstructure:"opus_lib"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit" validate:"gte=0"`
	Interval time.Duration `mapstructure:"interval" validate:"gte=0s"`
}

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"gte=1024"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"gte=1s"`
	LogLevel   string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`

	RelayURL   string   `mapstructure:"relay_url" validate:"required,url"`
	ICEServers []string `mapstructure:"ice_servers" validate:"dive,required"`
	Quality    string   `mapstructure:"quality" validate:"oneof=720p30 1080p30 1080p60 1440p30 1440p60"`

	Audio      AudioConfig  `mapstructure:"audio"`
	Native     NativeConfig `mapstructure:"native"`
	SignalRate RateConfig   `mapstructure:"signal_rate"`
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"port":         "port",
	"relay":        "relay_url",
	"ice":          "ice_servers",
	"quality":      "quality",
	"log-level":    "log_level",
	"max-queue-ms": "audio.max_queue_ms",
	"native-dir":   "native.dir",
	"opus-lib":     "native.opus_lib",
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Loader reads the config file selected by CONFIG_ENV (or the exact path in
// CONFIG_FILE), BEAM_* environment variables and bound flags.
type Loader struct {
	v    *viper.Viper
	file string
	read bool
}

func NewLoader(flags *pflag.FlagSet) (*Loader, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	file := os.Getenv("CONFIG_FILE")
	if file == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		file = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(file)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("quality", "1080p30")
	v.SetDefault("audio.max_queue_ms", 500)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.frame_ms", 20)
	v.SetDefault("audio.bitrate_kbps", 256)
	v.SetDefault("native.dir", "")
	v.SetDefault("native.opus_lib", "")
	v.SetDefault("signal_rate.limit", 200)
	v.SetDefault("signal_rate.interval", "10s")

	v.SetEnvPrefix("BEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	return &Loader{v: v, file: file}, nil
}

// Load reads and validates the configuration. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", l.file, err)
		}
		log.Warn().Str("module", "config").Str("file", l.file).Msg("config file not found, using defaults")
	} else {
		l.read = true
		log.Info().Str("module", "config").Str("file", l.file).Msg("loaded config")
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("quality", cfg.Quality).Msg("config ready")
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	validateOnce.Do(func() { validate = validator.New(validator.WithRequiredStructEnabled()) })
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Watch calls fn with every valid configuration written to the file after
// Load. Invalid edits are logged and skipped. It does nothing when no file
// was read.
func (l *Loader) Watch(fn func(*Config)) {
	if !l.read {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("ignoring config change")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config changed")
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Load is NewLoader(nil).Load().
func Load() (*Config, error) {
	l, err := NewLoader(nil)
	if err != nil {
		return nil, err
	}
	return l.Load()
}
