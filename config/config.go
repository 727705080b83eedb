package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// NONEFLY_SERVER_LISTEN for server.listen.
const EnvPrefix = "NONEFLY"

// Config represents the complete nonefly configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Provision  ProvisionConfig  `mapstructure:"provision"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API
type ServerConfig struct {
	// Listen is the host:port the API binds to
	Listen string `mapstructure:"listen"`
}

// DatabaseConfig controls the SQLite store
type DatabaseConfig struct {
	// Path is the database file, created on first start
	Path string `mapstructure:"path"`
}

// RegistryConfig controls where adapter and plugin registries come from
type RegistryConfig struct {
	AdaptersURL string        `mapstructure:"adapters_url"`
	PluginsURL  string        `mapstructure:"plugins_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ProvisionConfig controls environment creation for new instances
type ProvisionConfig struct {
	// Python is the interpreter used to create virtual environments
	Python string `mapstructure:"python"`
	// VenvDir is the environment directory relative to the working directory
	VenvDir string `mapstructure:"venv_dir"`
	// Requirement is the pip requirement installed into every environment
	Requirement string `mapstructure:"requirement"`
	// MaxConcurrent limits how many instances are provisioned at once
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// Timeout bounds each tool run (0 = no limit)
	Timeout time.Duration `mapstructure:"timeout"`
}

// SupervisorConfig controls how bot processes are launched and stopped
type SupervisorConfig struct {
	Entrypoint    string        `mapstructure:"entrypoint"`
	Host          string        `mapstructure:"host"`
	PortMin       int           `mapstructure:"port_min"`
	PortMax       int           `mapstructure:"port_max"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// LoggingConfig controls the process-wide slog logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format is json or text
	Format string `mapstructure:"format"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "0.0.0.0:3000",
		},
		Database: DatabaseConfig{
			Path: "nonefly.db",
		},
		Registry: RegistryConfig{
			AdaptersURL: "https://registry.nonebot.dev/adapters.json",
			PluginsURL:  "https://registry.nonebot.dev/plugins.json",
			Timeout:     30 * time.Second,
		},
		Provision: ProvisionConfig{
			Python:        "python",
			VenvDir:       "env",
			Requirement:   "nonebot2[fastapi]",
			MaxConcurrent: 2,
			Timeout:       0,
		},
		Supervisor: SupervisorConfig{
			Entrypoint:    "bot.py",
			Host:          "127.0.0.1",
			PortMin:       8080,
			PortMax:       8179,
			ShutdownGrace: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("server.listen", defaults.Server.Listen)

	viper.SetDefault("database.path", defaults.Database.Path)

	viper.SetDefault("registry.adapters_url", defaults.Registry.AdaptersURL)
	viper.SetDefault("registry.plugins_url", defaults.Registry.PluginsURL)
	viper.SetDefault("registry.timeout", defaults.Registry.Timeout)

	viper.SetDefault("provision.python", defaults.Provision.Python)
	viper.SetDefault("provision.venv_dir", defaults.Provision.VenvDir)
	viper.SetDefault("provision.requirement", defaults.Provision.Requirement)
	viper.SetDefault("provision.max_concurrent", defaults.Provision.MaxConcurrent)
	viper.SetDefault("provision.timeout", defaults.Provision.Timeout)

	viper.SetDefault("supervisor.entrypoint", defaults.Supervisor.Entrypoint)
	viper.SetDefault("supervisor.host", defaults.Supervisor.Host)
	viper.SetDefault("supervisor.port_min", defaults.Supervisor.PortMin)
	viper.SetDefault("supervisor.port_max", defaults.Supervisor.PortMax)
	viper.SetDefault("supervisor.shutdown_grace", defaults.Supervisor.ShutdownGrace)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.format", defaults.Logging.Format)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nonefly")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nonefly"
	}
	return filepath.Join(home, ".config", "nonefly")
}

// BindEnv enables NONEFLY_* environment overrides for every registered key.
func BindEnv() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}
