package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/apploopback/internal/capture"
)

const (
	envPrefix = "APPLOOPBACK"
	dotEnv    = ".env"
)

type Config struct {
	IncludeDescendants bool   `mapstructure:"include_descendants" yaml:"include_descendants"`
	SilencePolicy      string `mapstructure:"silence_policy" yaml:"silence_policy"`
	BufferDurationMs   int    `mapstructure:"buffer_duration_ms" yaml:"buffer_duration_ms"`
	PreferDeviceFormat bool   `mapstructure:"prefer_device_format" yaml:"prefer_device_format"`

	SampleRate    int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	BitsPerSample int    `mapstructure:"bits_per_sample" yaml:"bits_per_sample"`
	Channels      int    `mapstructure:"channels" yaml:"channels"`
	SampleType    string `mapstructure:"sample_type" yaml:"sample_type"`

	Output string `mapstructure:"output" yaml:"output"`

	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		IncludeDescendants: true,
		SilencePolicy:      capture.SilenceZeroFill.String(),
		BufferDurationMs:   int(capture.DefaultBufferDuration / time.Millisecond),
		SampleRate:         int(capture.DefaultFormat.SampleRate),
		BitsPerSample:      int(capture.DefaultFormat.BitsPerSample),
		Channels:           int(capture.DefaultFormat.Channels),
		SampleType:         capture.DefaultFormat.SampleType.String(),
		Output:             "-",
		LogFormat:          "text",
		LogLevel:           "info",
		LogMaxSizeMB:       20,
		LogMaxBackups:      3,
	}
}

// Load reads configuration into the global viper instance, which is where
// the CLI binds its flags.
func Load(cfgFile string) (*Config, error) {
	return LoadFrom(viper.GetViper(), cfgFile)
}

// LoadFrom layers defaults, the config file, APPLOOPBACK_* environment
// variables (including a .env file in the working directory) and any flags
// already bound on v.
func LoadFrom(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if err := loadDotEnv(dotEnv); err != nil {
		return nil, err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("apploopback")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv exports the variables in path. Variables already present in the
// environment win; a missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("include_descendants", cfg.IncludeDescendants)
	v.SetDefault("silence_policy", cfg.SilencePolicy)
	v.SetDefault("buffer_duration_ms", cfg.BufferDurationMs)
	v.SetDefault("prefer_device_format", cfg.PreferDeviceFormat)
	v.SetDefault("sample_rate", cfg.SampleRate)
	v.SetDefault("bits_per_sample", cfg.BitsPerSample)
	v.SetDefault("channels", cfg.Channels)
	v.SetDefault("sample_type", cfg.SampleType)
	v.SetDefault("output", cfg.Output)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
}

// SaveTo writes cfg as YAML. An empty path targets the platform config dir.
func SaveTo(cfg *Config, cfgFile string) error {
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "apploopback.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(cfgPath, data, 0600)
}

// CaptureOptions maps the configuration onto session options.
func (c *Config) CaptureOptions() (capture.Options, error) {
	policy, err := capture.ParseSilencePolicy(normalize(c.SilencePolicy))
	if err != nil {
		return capture.Options{}, err
	}
	sampleType, err := capture.ParseSampleType(normalize(c.SampleType))
	if err != nil {
		return capture.Options{}, err
	}
	return capture.Options{
		SilencePolicy:  policy,
		BufferDuration: time.Duration(c.BufferDurationMs) * time.Millisecond,
		TargetFormat: capture.AudioFormat{
			SampleRate:    uint32(c.SampleRate),
			BitsPerSample: uint16(c.BitsPerSample),
			Channels:      uint16(c.Channels),
			SampleType:    sampleType,
		},
		PreferDeviceFormat: c.PreferDeviceFormat,
	}, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "AppLoopback")
	case "darwin":
		return "/Library/Application Support/AppLoopback"
	default:
		return "/etc/apploopback"
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
