// Package config loads the process configuration. Every knob has a
// default; a YAML file and SEGD_* environment variables override it. No
// setting is per-session.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration.
type Config struct {
	// ListenAddr is the host:port the HTTP/WebSocket server binds.
	ListenAddr string `mapstructure:"listen_addr"`
	// ModelDir holds the exported ONNX model files.
	ModelDir string `mapstructure:"model_dir"`
	// DefaultMode is the model preset new sessions start on.
	DefaultMode string `mapstructure:"default_mode"`
	// UseCUDA appends the CUDA execution provider to model sessions.
	UseCUDA bool `mapstructure:"use_cuda"`
	// PreloadAll loads every model at startup instead of lazily.
	PreloadAll bool `mapstructure:"preload_all"`

	// ReplyJPEGQuality is the encoder quality for segmentation replies.
	ReplyJPEGQuality int `mapstructure:"reply_jpeg_quality"`
	// ReplyMaxWidth/ReplyMaxHeight bound the reply's spatial size.
	ReplyMaxWidth  int `mapstructure:"reply_max_width"`
	ReplyMaxHeight int `mapstructure:"reply_max_height"`
	// InboundMaxWidth/InboundMaxHeight bound decoded inbound frames.
	InboundMaxWidth  int `mapstructure:"inbound_max_width"`
	InboundMaxHeight int `mapstructure:"inbound_max_height"`

	// MaxInFlight caps admitted-but-unreplied frames per session.
	MaxInFlight int `mapstructure:"max_in_flight"`
	// MinFrameInterval is the per-session admission rate floor.
	MinFrameInterval time.Duration `mapstructure:"min_frame_interval"`
	// WarmupIterations is the number of synthetic forward passes per mode.
	WarmupIterations int `mapstructure:"warmup_iterations"`
	// InitialTimeout tears down sessions silent after READY.
	InitialTimeout time.Duration `mapstructure:"initial_timeout"`
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:       "0.0.0.0:8000",
		ModelDir:         "./models-cache",
		DefaultMode:      "balanced",
		ReplyJPEGQuality: 60,
		ReplyMaxWidth:    960,
		ReplyMaxHeight:   540,
		InboundMaxWidth:  1280,
		InboundMaxHeight: 720,
		MaxInFlight:      2,
		MinFrameInterval: 33 * time.Millisecond,
		WarmupIterations: 3,
		InitialTimeout:   10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the SEGD_* environment.
//
// Arguments:
//   - path: Config file path; empty skips the file layer.
//
// Returns:
//   - *Config: The merged configuration.
//   - error: An error if the file is missing, unreadable or invalid.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("model_dir", def.ModelDir)
	v.SetDefault("default_mode", def.DefaultMode)
	v.SetDefault("use_cuda", def.UseCUDA)
	v.SetDefault("preload_all", def.PreloadAll)
	v.SetDefault("reply_jpeg_quality", def.ReplyJPEGQuality)
	v.SetDefault("reply_max_width", def.ReplyMaxWidth)
	v.SetDefault("reply_max_height", def.ReplyMaxHeight)
	v.SetDefault("inbound_max_width", def.InboundMaxWidth)
	v.SetDefault("inbound_max_height", def.InboundMaxHeight)
	v.SetDefault("max_in_flight", def.MaxInFlight)
	v.SetDefault("min_frame_interval", def.MinFrameInterval)
	v.SetDefault("warmup_iterations", def.WarmupIterations)
	v.SetDefault("initial_timeout", def.InitialTimeout)
	v.SetDefault("write_timeout", def.WriteTimeout)

	v.SetEnvPrefix("SEGD")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}
