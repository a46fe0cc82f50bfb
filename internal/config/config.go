// Package config loads cmiscopy settings from flags, environment variables
// (CMISCOPY_*) and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fruitsalade/cmiscopy/internal/registry"
	"github.com/fruitsalade/cmiscopy/internal/syncer"
)

// EnvPrefix prefixes every environment variable, e.g. CMISCOPY_URL or
// CMISCOPY_REGISTRY_DSN.
const EnvPrefix = "CMISCOPY"

// Keys.
const (
	KeyURL            = "url"
	KeyRepository     = "repository"
	KeyCMISRoot       = "cmis-root"
	KeyLocalRoot      = "local-root"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyAction         = "action"
	KeyWorkers        = "workers"
	KeySpool          = "spool"
	KeyRegistryDriver = "registry.driver"
	KeyRegistryDSN    = "registry.dsn"
	KeyRegistryNS     = "registry.namespace"
	KeyLogLevel       = "log.level"
	KeyLogFormat      = "log.format"
	KeyLogFile        = "log.file"
	KeyMetricsAddr    = "metrics-addr"
	KeyTimeout        = "timeout"
)

// ErrInvalidAction is returned for an action other than upload/u or
// download/d.
var ErrInvalidAction = errors.New("invalid action")

// Config holds the resolved settings.
type Config struct {
	URL          string
	RepositoryID string
	CMISRoot     string
	LocalRoot    string
	Username     string
	Password     string

	Action  syncer.Action
	Workers int
	Spool   syncer.SpoolMode
	Timeout time.Duration

	RegistryDriver    string
	RegistryDSN       string
	RegistryNamespace string

	LogLevel  string
	LogFormat string
	LogFile   string

	MetricsAddr string
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyCMISRoot, "/")
	v.SetDefault(KeyLocalRoot, ".")
	v.SetDefault(KeyWorkers, 4)
	v.SetDefault(KeySpool, string(syncer.SpoolMemory))
	v.SetDefault(KeyRegistryDriver, registry.DriverFile)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyTimeout, 60*time.Second)
	return v
}

// ReadFile merges a yaml, toml or json config file into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load resolves and normalizes settings. The action is parsed when set;
// RequireSync checks what a sync run needs on top.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		URL:               trimSlash(v.GetString(KeyURL)),
		RepositoryID:      v.GetString(KeyRepository),
		CMISRoot:          "/" + strings.Trim(v.GetString(KeyCMISRoot), "/"),
		LocalRoot:         trimSlash(v.GetString(KeyLocalRoot)),
		Username:          v.GetString(KeyUsername),
		Password:          v.GetString(KeyPassword),
		Workers:           v.GetInt(KeyWorkers),
		Timeout:           v.GetDuration(KeyTimeout),
		RegistryDriver:    strings.ToLower(v.GetString(KeyRegistryDriver)),
		RegistryDSN:       v.GetString(KeyRegistryDSN),
		RegistryNamespace: v.GetString(KeyRegistryNS),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         v.GetString(KeyLogFormat),
		LogFile:           v.GetString(KeyLogFile),
		MetricsAddr:       v.GetString(KeyMetricsAddr),
	}
	if cfg.LocalRoot == "" {
		cfg.LocalRoot = "/"
	}

	if s := v.GetString(KeyAction); s != "" {
		a, err := syncer.ParseAction(s)
		if err != nil {
			return nil, fmt.Errorf("%w %q: use upload (u) or download (d)", ErrInvalidAction, s)
		}
		cfg.Action = a
	}

	spool, err := syncer.ParseSpoolMode(v.GetString(KeySpool))
	if err != nil {
		return nil, err
	}
	cfg.Spool = spool

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}

	switch cfg.RegistryDriver {
	case registry.DriverFile, registry.DriverSQLite:
		if cfg.RegistryDSN == "" {
			cfg.RegistryDSN = defaultRegistryPath(cfg.LocalRoot, cfg.RegistryDriver)
		}
	case registry.DriverPostgres, registry.DriverS3:
		if cfg.RegistryDSN == "" {
			return nil, fmt.Errorf("%s is required for the %s registry", KeyRegistryDSN, cfg.RegistryDriver)
		}
		if cfg.RegistryNamespace == "" {
			ns, err := treeNamespace(cfg.LocalRoot)
			if err != nil {
				return nil, err
			}
			cfg.RegistryNamespace = ns
		}
	default:
		return nil, fmt.Errorf("unknown registry driver %q", cfg.RegistryDriver)
	}

	return cfg, nil
}

// RequireSync checks the settings a sync run cannot do without. The
// password is not checked; the CLI prompts for it.
func (c *Config) RequireSync() error {
	if c.Action == 0 {
		return fmt.Errorf("%w: --action is required (upload or download)", ErrInvalidAction)
	}
	if c.URL == "" {
		return fmt.Errorf("%s is required", KeyURL)
	}
	if c.Username == "" {
		return fmt.Errorf("%s is required", KeyUsername)
	}
	return nil
}

// defaultRegistryPath keeps the registry next to the synced tree.
func defaultRegistryPath(localRoot, driver string) string {
	name := "versions.json"
	if driver == registry.DriverSQLite {
		name = "versions.db"
	}
	return filepath.Join(localRoot, ".cmiscopy", name)
}

// treeNamespace identifies the local tree in a shared registry as
// host:/absolute/local-root.
func treeNamespace(localRoot string) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("registry namespace: %w", err)
	}
	abs, err := filepath.Abs(localRoot)
	if err != nil {
		return "", fmt.Errorf("registry namespace: %w", err)
	}
	return host + ":" + filepath.ToSlash(abs), nil
}

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}
