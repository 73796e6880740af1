// Package config loads HLSbrew settings from defaults, hlsbrew.toml, .env, HLSBREW_*
// environment variables and command-line flags, in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/selector"
)

const (
	// Name is the config file base name and environment variable prefix.
	Name = "hlsbrew"
	// FileName is the default config file name.
	FileName = Name + ".toml"
)

// EnvKeyReplacer maps config keys to environment variable names.
var EnvKeyReplacer = strings.NewReplacer(".", "_")

// Config is the complete HLSbrew configuration.
type Config struct {
	// Root is the directory the videos/ tree is written under.
	Root string `mapstructure:"root" toml:"root"`
	// Workers bounds how many references run at once in multi-reference requests.
	Workers int             `mapstructure:"workers" toml:"workers"`
	Quality selector.Policy `mapstructure:"quality" toml:"quality"`
	Package PackageConfig   `mapstructure:"package" toml:"package"`
	Publish PublishConfig   `mapstructure:"publish" toml:"publish"`
	FFmpeg  FFmpegConfig    `mapstructure:"ffmpeg" toml:"ffmpeg"`
	Merge   MergeConfig     `mapstructure:"merge" toml:"merge"`
	Ledger  LedgerConfig    `mapstructure:"ledger" toml:"ledger"`
	Cache   CacheConfig     `mapstructure:"cache" toml:"cache"`
	Log     LogConfig       `mapstructure:"log" toml:"log"`
	Server  ServerConfig    `mapstructure:"server" toml:"server"`
}

type PackageConfig struct {
	Enabled         bool `mapstructure:"enabled" toml:"enabled"`
	SegmentDuration int  `mapstructure:"segment_duration" toml:"segment_duration"`
	// Probe picks the encoding rate from the input resolution via ffprobe.
	Probe bool `mapstructure:"probe" toml:"probe"`
}

type PublishConfig struct {
	Enabled     bool   `mapstructure:"enabled" toml:"enabled"`
	Bucket      string `mapstructure:"bucket" toml:"bucket"`
	Region      string `mapstructure:"region" toml:"region"`
	Endpoint    string `mapstructure:"endpoint" toml:"endpoint"`
	PathStyle   bool   `mapstructure:"path_style" toml:"path_style"`
	BaseURL     string `mapstructure:"base_url" toml:"base_url"`
	Concurrency int    `mapstructure:"concurrency" toml:"concurrency"`
	// PerItem reports each upload separately instead of failing the whole directory.
	PerItem bool `mapstructure:"per_item" toml:"per_item"`
}

type FFmpegConfig struct {
	Binary      string `mapstructure:"binary" toml:"binary"`
	ProbeBinary string `mapstructure:"probe_binary" toml:"probe_binary"`
}

type MergeConfig struct {
	AudioCodec    string `mapstructure:"audio_codec" toml:"audio_codec"`
	AudioBitrate  string `mapstructure:"audio_bitrate" toml:"audio_bitrate"`
	RemoveSources bool   `mapstructure:"remove_sources" toml:"remove_sources"`
}

type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Path    string `mapstructure:"path" toml:"path"`
}

type CacheConfig struct {
	Enabled  bool   `mapstructure:"enabled" toml:"enabled"`
	Path     string `mapstructure:"path" toml:"path"`
	Lifetime string `mapstructure:"lifetime" toml:"lifetime"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" toml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Root:    ".",
		Workers: 2,
		Quality: selector.DefaultPolicy(),
		Package: PackageConfig{SegmentDuration: 10},
		Publish: PublishConfig{Region: "us-east-1"},
		FFmpeg:  FFmpegConfig{Binary: "ffmpeg", ProbeBinary: "ffprobe"},
		Merge:   MergeConfig{AudioCodec: "aac", AudioBitrate: "192k"},
		Ledger:  LedgerConfig{Path: filepath.Join(".hlsbrew", "ledger.db")},
		Cache:   CacheConfig{Path: filepath.Join(".hlsbrew", "sources.json"), Lifetime: "24h"},
		Log:     LogConfig{Level: "info", Format: "auto"},
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// CacheLifetime parses Cache.Lifetime.
func (c *Config) CacheLifetime() time.Duration {
	d, _ := time.ParseDuration(c.Cache.Lifetime)
	return d
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.New(errors.ValidationError, "workers must be at least 1", "", errors.ErrInvalidConfig)
	}
	if c.Package.SegmentDuration < 1 {
		return errors.New(errors.ValidationError, "package.segment_duration must be at least 1", "", errors.ErrInvalidConfig)
	}
	if c.Publish.Enabled && c.Publish.Bucket == "" {
		return errors.New(errors.ValidationError, "publish.bucket is required when publishing", "", errors.ErrInvalidConfig)
	}
	if c.Publish.Concurrency < 0 {
		return errors.New(errors.ValidationError, "publish.concurrency must not be negative", "", errors.ErrInvalidConfig)
	}
	if _, err := time.ParseDuration(c.Cache.Lifetime); c.Cache.Enabled && err != nil {
		return errors.Wrap(err, errors.ValidationError, "cache.lifetime is not a duration", errors.ErrInvalidConfig)
	}
	if len(c.Quality.Preferred) == 0 {
		return errors.New(errors.ValidationError, "quality.preferred must list at least one label", "", errors.ErrInvalidConfig)
	}
	return nil
}

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// File is an explicit config file. When empty, hlsbrew.toml is searched for in
	// the working directory and the user config directory.
	File string
	// Fs is the filesystem config files are read from. Defaults to the OS filesystem.
	Fs afero.Fs
	// Flags maps config keys to command-line flags that override them when set.
	Flags map[string]*pflag.Flag
	// DotEnv lists .env files loaded into the environment first. Missing files are ignored.
	DotEnv []string
}

// Load resolves the configuration.
func Load(opts LoadOptions) (*Config, error) {
	if err := LoadDotEnv(opts.DotEnv...); err != nil {
		return nil, err
	}

	v := viper.New()
	if opts.Fs != nil {
		v.SetFs(opts.Fs)
	}
	v.SetConfigType("toml")
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(Name)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, Name))
		}
	}

	v.SetEnvPrefix(Name)
	v.SetEnvKeyReplacer(EnvKeyReplacer)
	v.AutomaticEnv()
	setDefaults(v, Default())

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errors.Wrap(err, errors.ValidationError, "Failed to bind flag "+flag.Name, errors.ErrInvalidConfig)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || opts.File != "" {
			return nil, errors.Wrap(err, errors.ValidationError, "Failed to read config file", errors.ErrInvalidConfig)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ValidationError, "Failed to decode config", errors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads .env files into the process environment without overriding
// variables that are already set. With no paths, ".env" is used.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrap(err, errors.ValidationError, "Failed to load "+p, errors.ErrInvalidConfig)
		}
	}
	return nil
}

// Sample renders the default configuration as TOML.
func Sample() ([]byte, error) {
	body, err := toml.Marshal(Default())
	if err != nil {
		return nil, errors.Wrap(err, errors.SystemError, "Failed to encode sample config", errors.ErrInvalidConfig)
	}
	header := "# HLSbrew configuration. Every key can be overridden with HLSBREW_<SECTION>_<KEY>.\n\n"
	return append([]byte(header), body...), nil
}

// WriteSample writes the sample configuration to path, refusing to overwrite.
func WriteSample(fs afero.Fs, path string) error {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return errors.Wrap(err, errors.SystemError, "Failed to check config file", errors.ErrInvalidConfig)
	}
	if exists {
		return errors.New(errors.ValidationError, "Config file already exists", path, errors.ErrInvalidConfig)
	}
	body, err := Sample()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, errors.SystemError, "Failed to create config directory", errors.ErrInvalidConfig)
		}
	}
	if err := afero.WriteFile(fs, path, body, 0644); err != nil {
		return errors.Wrap(err, errors.SystemError, "Failed to write config file", errors.ErrInvalidConfig)
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"root":                     d.Root,
		"workers":                  d.Workers,
		"quality.preferred":        d.Quality.Preferred,
		"quality.container":        d.Quality.Container,
		"quality.video_codec":      d.Quality.VideoCodec,
		"quality.audio_container":  d.Quality.AudioContainer,
		"quality.audio_codec":      d.Quality.AudioCodec,
		"package.enabled":          d.Package.Enabled,
		"package.segment_duration": d.Package.SegmentDuration,
		"package.probe":            d.Package.Probe,
		"publish.enabled":          d.Publish.Enabled,
		"publish.bucket":           d.Publish.Bucket,
		"publish.region":           d.Publish.Region,
		"publish.endpoint":         d.Publish.Endpoint,
		"publish.path_style":       d.Publish.PathStyle,
		"publish.base_url":         d.Publish.BaseURL,
		"publish.concurrency":      d.Publish.Concurrency,
		"publish.per_item":         d.Publish.PerItem,
		"ffmpeg.binary":            d.FFmpeg.Binary,
		"ffmpeg.probe_binary":      d.FFmpeg.ProbeBinary,
		"merge.audio_codec":        d.Merge.AudioCodec,
		"merge.audio_bitrate":      d.Merge.AudioBitrate,
		"merge.remove_sources":     d.Merge.RemoveSources,
		"ledger.enabled":           d.Ledger.Enabled,
		"ledger.path":              d.Ledger.Path,
		"cache.enabled":            d.Cache.Enabled,
		"cache.path":               d.Cache.Path,
		"cache.lifetime":           d.Cache.Lifetime,
		"log.level":                d.Log.Level,
		"log.format":               d.Log.Format,
		"server.addr":              d.Server.Addr,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
