// Package config resolves gateway configuration from an optional YAML file
// overlaid with environment variables. Env always wins over the file, the
// file over the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile       = "RELAY_CONFIG_FILE"
	EnvHTTPAddr         = "RELAY_HTTP_ADDR"
	EnvDBDriver         = "RELAY_DB_DRIVER"
	EnvDBDSN            = "RELAY_DB_DSN"
	EnvMachineID        = "RELAY_MACHINE_ID"
	EnvAuthToken        = "RELAY_AUTH_TOKEN"
	EnvCancelGrace      = "RELAY_CANCEL_GRACE"
	EnvQueueSize        = "RELAY_QUEUE_SIZE"
	EnvCursorCommand    = "RELAY_CURSOR_COMMAND"
	EnvAiderCommand     = "RELAY_AIDER_COMMAND"
	EnvOpenRouterAPIKey = "OPENROUTER_API_KEY"
	EnvNVIDIAAPIKey     = "NVIDIA_API_KEY"
)

const (
	DefaultHTTPAddr    = ":8080"
	DefaultDBDriver    = "sqlite"
	DefaultDBDSN       = "relay.db"
	DefaultMachineID   = "relay-gateway"
	DefaultCancelGrace = 5 * time.Second
	DefaultQueueSize   = 16

	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
	relayDirName            = ".relaystack"
)

type Config struct {
	HTTPAddr         string
	DBDriver         string
	DBDSN            string
	MachineID        string
	AuthToken        string
	CancelGrace      time.Duration
	QueueSize        int
	CursorCommand    string
	AiderCommand     string
	OpenRouterAPIKey string
	NVIDIAAPIKey     string
}

type fileConfig struct {
	Version int             `yaml:"version"`
	Relay   fileRelayConfig `yaml:"relay"`
}

type fileRelayConfig struct {
	HTTPAddr         string `yaml:"http_addr"`
	DBDriver         string `yaml:"db_driver"`
	DBDSN            string `yaml:"db_dsn"`
	MachineID        string `yaml:"machine_id"`
	AuthToken        string `yaml:"auth_token"`
	CancelGrace      string `yaml:"cancel_grace"`
	QueueSize        *int   `yaml:"queue_size"`
	CursorCommand    string `yaml:"cursor_command"`
	AiderCommand     string `yaml:"aider_command"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	NVIDIAAPIKey     string `yaml:"nvidia_api_key"`
}

func FromEnv() Config {
	cfg := defaults()
	applyEnv(&cfg)
	return cfg
}

func FromYAMLAndEnv() (Config, error) {
	cfg := defaults()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg.Relay); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)

	return cfg, nil
}

func defaults() Config {
	return Config{
		HTTPAddr:    DefaultHTTPAddr,
		DBDriver:    DefaultDBDriver,
		DBDSN:       DefaultDBDSN,
		MachineID:   hostnameOrDefault(DefaultMachineID),
		CancelGrace: DefaultCancelGrace,
		QueueSize:   DefaultQueueSize,
	}
}

func applyYAML(cfg *Config, source fileRelayConfig) error {
	if value := strings.TrimSpace(source.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.DBDSN); value != "" {
		cfg.DBDSN = value
	}
	if value := strings.TrimSpace(source.MachineID); value != "" {
		cfg.MachineID = value
	}
	if value := strings.TrimSpace(source.AuthToken); value != "" {
		cfg.AuthToken = value
	}

	grace, err := parseOptionalDuration(source.CancelGrace, cfg.CancelGrace, "relay.cancel_grace")
	if err != nil {
		return err
	}
	cfg.CancelGrace = grace

	if source.QueueSize != nil {
		if *source.QueueSize <= 0 {
			return fmt.Errorf("relay.queue_size must be > 0")
		}
		cfg.QueueSize = *source.QueueSize
	}

	if value := strings.TrimSpace(source.CursorCommand); value != "" {
		cfg.CursorCommand = value
	}
	if value := strings.TrimSpace(source.AiderCommand); value != "" {
		cfg.AiderCommand = value
	}
	if value := strings.TrimSpace(source.OpenRouterAPIKey); value != "" {
		cfg.OpenRouterAPIKey = value
	}
	if value := strings.TrimSpace(source.NVIDIAAPIKey); value != "" {
		cfg.NVIDIAAPIKey = value
	}

	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = envOrDefault(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.DBDriver = strings.ToLower(envOrDefault(EnvDBDriver, cfg.DBDriver))
	cfg.DBDSN = envOrDefault(EnvDBDSN, cfg.DBDSN)
	cfg.MachineID = envOrDefault(EnvMachineID, cfg.MachineID)
	cfg.AuthToken = envOrDefault(EnvAuthToken, cfg.AuthToken)

	if raw := envString(EnvCancelGrace); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err == nil && parsed > 0 {
			cfg.CancelGrace = parsed
		}
	}
	if raw := envString(EnvQueueSize); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err == nil && parsed > 0 {
			cfg.QueueSize = parsed
		}
	}

	cfg.CursorCommand = envOrDefault(EnvCursorCommand, cfg.CursorCommand)
	cfg.AiderCommand = envOrDefault(EnvAiderCommand, cfg.AiderCommand)
	cfg.OpenRouterAPIKey = envOrDefault(EnvOpenRouterAPIKey, cfg.OpenRouterAPIKey)
	cfg.NVIDIAAPIKey = envOrDefault(EnvNVIDIAAPIKey, cfg.NVIDIAAPIKey)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvDBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}
	if strings.TrimSpace(c.MachineID) == "" {
		return fmt.Errorf("%s must not be empty", EnvMachineID)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("%s must be > 0", EnvCancelGrace)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%s must be > 0", EnvQueueSize)
	}
	return nil
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := envString(EnvConfigFile); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", explicit)
		}
		return explicit, true, nil
	}

	candidates := []string{
		filepath.Join(relayDirName, defaultConfigFileName),
		filepath.Join(relayDirName, alternateConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(homeDir, relayDirName, defaultConfigFileName),
			filepath.Join(homeDir, relayDirName, alternateConfigFileName),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", false, nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envOrDefault(key, fallback string) string {
	value := envString(key)
	if value == "" {
		return fallback
	}
	return value
}

func hostnameOrDefault(fallback string) string {
	hostname, err := os.Hostname()
	if err != nil {
		return fallback
	}
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return fallback
	}
	return hostname
}

func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", field)
	}
	return parsed, nil
}
