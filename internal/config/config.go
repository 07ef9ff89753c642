// Package config loads and validates the host's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("config")

const appName = "streamlinux"

// DisplayConfig is the TOML [display] section.
type DisplayConfig struct {
	Backend       string `mapstructure:"backend"` // auto, server, compositor
	Monitor       int    `mapstructure:"monitor"`
	CursorVisible bool   `mapstructure:"cursor_visible"`
}

// VideoConfig is the TOML [video] section.
type VideoConfig struct {
	Codec      string `mapstructure:"codec"` // h264, h265, vp8, vp9, av1
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	FPS        int    `mapstructure:"fps"`
	BitrateBps int    `mapstructure:"bitrate_bps"`
	HWAccel    string `mapstructure:"hw_accel"` // auto, none, preferred
	GOPFrames  int    `mapstructure:"gop_frames"`
}

// AudioConfig is the TOML [audio] section.
type AudioConfig struct {
	Mode       string `mapstructure:"mode"` // system, mic, mixed, none
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	BitrateBps int    `mapstructure:"bitrate_bps"`
	FrameMs    float64 `mapstructure:"frame_ms"`
}

// NetworkConfig is the TOML [network] section.
type NetworkConfig struct {
	Port           int    `mapstructure:"port"`
	BrokerURL      string `mapstructure:"broker_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	STUNServers    []string `mapstructure:"stun_servers"`
	TURNServers    []string `mapstructure:"turn_servers"`
	AllowPrivateAddr bool `mapstructure:"allow_private_addr"`
}

// LoggingConfig is the TOML [logging] section.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full, validated configuration tree.
type Config struct {
	Display DisplayConfig `mapstructure:"display"`
	Video   VideoConfig   `mapstructure:"video"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Network NetworkConfig `mapstructure:"network"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Default returns sane out-of-the-box configuration values.
func Default() *Config {
	return &Config{
		Display: DisplayConfig{Backend: "auto", Monitor: 0, CursorVisible: true},
		Video: VideoConfig{
			Codec: "h264", Width: 1920, Height: 1080, FPS: 30,
			BitrateBps: 5_000_000, HWAccel: "auto", GOPFrames: 30,
		},
		Audio: AudioConfig{Mode: "system", SampleRate: 48000, Channels: 2, BitrateBps: 64000, FrameMs: 20},
		Network: NetworkConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads and validates a TOML config file. An empty path searches the
// standard locations. The path (or the resolved default) must live under
// $XDG_CONFIG_HOME/streamlinux or /etc/streamlinux; any ".." path segment
// is rejected outright.
func Load(path string) (*Config, error) {
	if err := checkPathSafety(path); err != nil {
		return nil, err
	}

	v := viper.New()
	cfg := Default()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(appName)
		v.SetConfigType("toml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(filepath.Join("/etc", appName))
	}

	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(appName))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Error("config validation failed", "error", e)
		}
		return nil, fmt.Errorf("config: invalid: %v", errs[0])
	}

	return cfg, nil
}

// Save writes cfg as TOML to path, applying the same path and value
// validation as Load.
func Save(cfg *Config, path string) error {
	if err := checkPathSafety(path); err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("config: refusing to save invalid config: %v", errs[0])
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("display", cfg.Display)
	v.Set("video", cfg.Video)
	v.Set("audio", cfg.Audio)
	v.Set("network", cfg.Network)
	v.Set("logging", cfg.Logging)

	if path == "" {
		path = filepath.Join(configDir(), appName+".toml")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return os.Chmod(path, 0o600)
}

func checkPathSafety(path string) error {
	if path == "" {
		return nil
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("config: path %q contains '..'", path)
	}
	clean := filepath.Clean(path)
	allowed := []string{configDir(), filepath.Join("/etc", appName)}
	for _, dir := range allowed {
		if strings.HasPrefix(clean, dir+string(filepath.Separator)) || clean == dir {
			return nil
		}
	}
	return fmt.Errorf("config: path %q is outside the permitted config directories", path)
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/etc", appName)
	}
	return filepath.Join(home, ".config", appName)
}

// ToVideoConfig converts the TOML section into the runtime model type.
func (c *Config) ToVideoConfig() model.VideoConfig {
	return model.VideoConfig{
		Width: c.Video.Width, Height: c.Video.Height, FPS: c.Video.FPS,
		BitrateBps: c.Video.BitrateBps, Codec: parseCodec(c.Video.Codec),
		HWAccel: parseHWAccel(c.Video.HWAccel), GOPFrames: c.Video.GOPFrames,
	}
}

// ToAudioConfig converts the TOML section into the runtime model type.
func (c *Config) ToAudioConfig() model.AudioConfig {
	return model.AudioConfig{
		SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels,
		BitrateBps: c.Audio.BitrateBps, FrameMs: c.Audio.FrameMs,
	}
}

func parseCodec(s string) model.Codec {
	switch strings.ToLower(s) {
	case "h265":
		return model.CodecH265
	case "vp8":
		return model.CodecVP8
	case "vp9":
		return model.CodecVP9
	case "av1":
		return model.CodecAV1
	default:
		return model.CodecH264
	}
}

func parseHWAccel(s string) model.HWAccel {
	switch strings.ToLower(s) {
	case "none":
		return model.HWAccelNone
	case "preferred":
		return model.HWAccelPreferred
	default:
		return model.HWAccelAuto
	}
}
