package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/hfrelay/internal/filter"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "HFRELAY_"

// ErrRepoRequired is returned by Validate when no repository is configured.
var ErrRepoRequired = errors.New("repository is required")

// ServerConfig holds configuration for the receiving server.
type ServerConfig struct {
	Addr         string `toml:"addr" yaml:"addr"`
	CacheDir     string `toml:"cache_dir" yaml:"cache_dir"`
	LogLevel     string `toml:"log_level" yaml:"log_level"`
	OTLPEndpoint string `toml:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure" yaml:"otlp_insecure"`
}

// ClientConfig holds configuration for the relay client.
type ClientConfig struct {
	ServerURL      string        `toml:"server_url" yaml:"server_url"`
	HubURL         string        `toml:"hub_url" yaml:"hub_url"`
	Repo           string        `toml:"repo" yaml:"repo"`
	Exclude        []string      `toml:"exclude" yaml:"exclude"`
	Token          string        `toml:"token" yaml:"token"`
	LogLevel       string        `toml:"log_level" yaml:"log_level"`
	OTLPEndpoint   string        `toml:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure   bool          `toml:"otlp_insecure" yaml:"otlp_insecure"`
	CommitAttempts int           `toml:"commit_attempts" yaml:"commit_attempts"`
	ListAttempts   int           `toml:"list_attempts" yaml:"list_attempts"`
	FileAttempts   int           `toml:"file_attempts" yaml:"file_attempts"`
	Pacing         time.Duration `toml:"pacing" yaml:"pacing"`
	BaseDelay      time.Duration `toml:"base_delay" yaml:"base_delay"`
	ChunkSize      int           `toml:"chunk_size" yaml:"chunk_size"`
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      "http://localhost:8080",
		HubURL:         "https://huggingface.co",
		Exclude:        filter.ParsePatterns(filter.DefaultExclude),
		LogLevel:       "warn",
		CommitAttempts: 3,
		ListAttempts:   3,
		FileAttempts:   3,
		Pacing:         500 * time.Millisecond,
		BaseDelay:      time.Second,
		ChunkSize:      256 * 1024,
	}
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:     ":8080",
		CacheDir: DefaultCacheDir(),
		LogLevel: "info",
	}
}

// DefaultCacheDir is HF_HUB_CACHE, else $HF_HOME/hub, else
// ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// Validate checks the fields a push cannot run without.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.Repo) == "" {
		return ErrRepoRequired
	}
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", c.ChunkSize)
	}
	return nil
}

// ClientFlags are the client command-line flags registered on a flag set.
type ClientFlags struct {
	values     ClientConfig
	exclude    string
	configPath string
	envFile    string
}

// RegisterClientFlags defines the client flags on fs. Call Load after fs was
// parsed.
func RegisterClientFlags(fs *pflag.FlagSet) *ClientFlags {
	d := DefaultClientConfig()
	f := &ClientFlags{}
	fs.StringVar(&f.configPath, "config", "", "config file (.toml, .yaml or .yml)")
	fs.StringVar(&f.envFile, "env-file", "", "dotenv file to load (default .env when present)")
	fs.StringVarP(&f.values.ServerURL, "server-url", "s", d.ServerURL, "receiving server URL")
	fs.StringVar(&f.values.HubURL, "hub-url", d.HubURL, "model hub base URL")
	fs.StringVarP(&f.values.Repo, "repo", "r", "", "repository id, owner/name")
	fs.StringVarP(&f.exclude, "exclude", "e", filter.DefaultExclude, "comma-separated glob patterns to skip")
	fs.StringVar(&f.values.Token, "token", "", "hub access token (default $HF_TOKEN)")
	fs.StringVar(&f.values.LogLevel, "log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&f.values.OTLPEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace endpoint, host:port")
	fs.BoolVar(&f.values.OTLPInsecure, "otlp-insecure", false, "export traces over plain HTTP")
	fs.IntVar(&f.values.CommitAttempts, "commit-attempts", d.CommitAttempts, "attempts for the commit lookup")
	fs.IntVar(&f.values.ListAttempts, "list-attempts", d.ListAttempts, "attempts per listing page")
	fs.IntVar(&f.values.FileAttempts, "file-attempts", d.FileAttempts, "attempts per file")
	fs.DurationVar(&f.values.Pacing, "pacing", d.Pacing, "pause between files")
	fs.DurationVar(&f.values.BaseDelay, "base-delay", d.BaseDelay, "retry n waits base-delay * 2^n")
	fs.IntVar(&f.values.ChunkSize, "chunk-size", d.ChunkSize, "bytes per data frame")
	return f
}

// Load resolves the client configuration: defaults, then the config file,
// then the dotenv file, then HFRELAY_* environment, then flags set on fs.
func (f *ClientFlags) Load(fs *pflag.FlagSet) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	path := f.configPath
	if !fs.Changed("config") {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return ClientConfig{}, err
		}
	}
	if err := loadDotenv(f.envFile, fs.Changed("env-file")); err != nil {
		return ClientConfig{}, err
	}
	if err := applyClientEnv(&cfg); err != nil {
		return ClientConfig{}, err
	}

	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "server-url":
			cfg.ServerURL = f.values.ServerURL
		case "hub-url":
			cfg.HubURL = f.values.HubURL
		case "repo":
			cfg.Repo = f.values.Repo
		case "exclude":
			cfg.Exclude = filter.ParsePatterns(f.exclude)
		case "token":
			cfg.Token = f.values.Token
		case "log-level":
			cfg.LogLevel = f.values.LogLevel
		case "otlp-endpoint":
			cfg.OTLPEndpoint = f.values.OTLPEndpoint
		case "otlp-insecure":
			cfg.OTLPInsecure = f.values.OTLPInsecure
		case "commit-attempts":
			cfg.CommitAttempts = f.values.CommitAttempts
		case "list-attempts":
			cfg.ListAttempts = f.values.ListAttempts
		case "file-attempts":
			cfg.FileAttempts = f.values.FileAttempts
		case "pacing":
			cfg.Pacing = f.values.Pacing
		case "base-delay":
			cfg.BaseDelay = f.values.BaseDelay
		case "chunk-size":
			cfg.ChunkSize = f.values.ChunkSize
		}
	})
	cfg.Repo = strings.TrimSpace(cfg.Repo)
	return cfg, nil
}

// ParseClientConfig parses client configuration from args and the
// environment.
func ParseClientConfig(args []string) (ClientConfig, error) {
	return parseClientConfigWithFlagSet(pflag.NewFlagSet("hfrelay", pflag.ContinueOnError), args)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ClientConfig, error) {
	flags := RegisterClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	return flags.Load(fs)
}

// ParseServerConfig parses server configuration from args and the
// environment. Flags take precedence over environment variables, which take
// precedence over the config file.
func ParseServerConfig(args []string) (ServerConfig, error) {
	return parseServerConfigWithFlagSet(pflag.NewFlagSet("hfrelayserv", pflag.ContinueOnError), args)
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	d := DefaultServerConfig()
	var values ServerConfig
	var configPath, envFile string
	fs.StringVar(&configPath, "config", "", "config file (.toml, .yaml or .yml)")
	fs.StringVar(&envFile, "env-file", "", "dotenv file to load (default .env when present)")
	fs.StringVar(&values.Addr, "addr", d.Addr, "listen address")
	fs.StringVar(&values.CacheDir, "cache-dir", d.CacheDir, "hub cache directory")
	fs.StringVar(&values.LogLevel, "log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&values.OTLPEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace endpoint, host:port")
	fs.BoolVar(&values.OTLPInsecure, "otlp-insecure", false, "export traces over plain HTTP")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	if !fs.Changed("config") {
		configPath = os.Getenv(EnvPrefix + "CONFIG")
	}
	if err := loadDotenv(envFile, fs.Changed("env-file")); err != nil {
		return ServerConfig{}, err
	}
	// The cache default depends on HF_HOME, which the dotenv file may set.
	cfg := DefaultServerConfig()
	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}
	setString(&cfg.Addr, "ADDR")
	setString(&cfg.CacheDir, "CACHE_DIR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")
	if err := setBool(&cfg.OTLPInsecure, "OTLP_INSECURE"); err != nil {
		return ServerConfig{}, err
	}

	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "addr":
			cfg.Addr = values.Addr
		case "cache-dir":
			cfg.CacheDir = values.CacheDir
		case "log-level":
			cfg.LogLevel = values.LogLevel
		case "otlp-endpoint":
			cfg.OTLPEndpoint = values.OTLPEndpoint
		case "otlp-insecure":
			cfg.OTLPInsecure = values.OTLPInsecure
		}
	})
	return cfg, nil
}

// loadFile decodes a TOML or YAML file over cfg, picked by extension.
// Keys absent from the file keep their current value.
func loadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported format, want .toml, .yaml or .yml", path)
	}
	return nil
}

// loadDotenv loads path into the process environment without overriding
// variables that are already set. Without an explicit path, a missing .env
// is not an error.
func loadDotenv(path string, explicit bool) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func applyClientEnv(cfg *ClientConfig) error {
	setString(&cfg.ServerURL, "SERVER_URL")
	setString(&cfg.HubURL, "HUB_URL")
	setString(&cfg.Repo, "REPO")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")
	if v, ok := os.LookupEnv(EnvPrefix + "EXCLUDE"); ok {
		cfg.Exclude = filter.ParsePatterns(v)
	}
	if token := os.Getenv("HF_TOKEN"); token != "" && cfg.Token == "" {
		cfg.Token = token
	}
	setString(&cfg.Token, "TOKEN")

	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"COMMIT_ATTEMPTS", &cfg.CommitAttempts},
		{"LIST_ATTEMPTS", &cfg.ListAttempts},
		{"FILE_ATTEMPTS", &cfg.FileAttempts},
		{"CHUNK_SIZE", &cfg.ChunkSize},
	} {
		if err := setInt(e.dst, e.name); err != nil {
			return err
		}
	}
	if err := setBool(&cfg.OTLPInsecure, "OTLP_INSECURE"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pacing, "PACING"); err != nil {
		return err
	}
	return setDuration(&cfg.BaseDelay, "BASE_DELAY")
}

func setString(dst *string, name string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, name string) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, name string) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = d
	return nil
}
