// Package config loads gateway settings from defaults, an optional YAML or
// JSON file and OPGATE_ environment variables, in increasing priority.
// Command line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/localrivet/opgate/metrics"
	"github.com/localrivet/opgate/security"
)

// EnvPrefix is the prefix of environment overrides. OPGATE_HTTP_PORT sets
// http.port and OPGATE_AUTH_JWT_SECRET sets auth.jwt-secret.
const EnvPrefix = "OPGATE_"

// Transport selections for server.transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportBoth  = "both"
)

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	HTTP       HTTPConfig       `koanf:"http"`
	WS         WSConfig         `koanf:"ws"`
	GRPC       GRPCConfig       `koanf:"grpc"`
	Auth       AuthConfig       `koanf:"auth"`
	Validation ValidationConfig `koanf:"validation"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Bridge     BridgeConfig     `koanf:"bridge"`
}

type ServerConfig struct {
	Name            string        `koanf:"name"`
	Transport       string        `koanf:"transport"`
	Instructions    string        `koanf:"instructions"`
	DebugErrors     bool          `koanf:"debug-errors"`
	ShutdownTimeout time.Duration `koanf:"shutdown-timeout"`
	MaxLineSize     int           `koanf:"max-line-size"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	CORSOrigins       []string      `koanf:"cors-origins"`
	ReadHeaderTimeout time.Duration `koanf:"read-header-timeout"`
}

// Addr joins host and port.
func (c HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type WSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	Path           string `koanf:"path"`
	MaxMessageSize int64  `koanf:"max-message-size"`
}

func (c WSConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type GRPCConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	HealthInterval time.Duration `koanf:"health-interval"`
}

func (c GRPCConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type AuthConfig struct {
	Enabled   bool     `koanf:"enabled"`
	APIKeys   []string `koanf:"api-keys"`
	JWTSecret string   `koanf:"jwt-secret"`
	Issuer    string   `koanf:"issuer"`
}

// Security converts c for security.NewAuthenticator.
func (c AuthConfig) Security() security.Config {
	return security.Config{
		Enabled:   c.Enabled,
		APIKeys:   c.APIKeys,
		JWTSecret: c.JWTSecret,
		Issuer:    c.Issuer,
	}
}

type ValidationConfig struct {
	MaxExpressionLength int      `koanf:"max-expression-length"`
	MaxExpressionDepth  int      `koanf:"max-expression-depth"`
	MaxResourceSize     int      `koanf:"max-resource-size"`
	EnableBlacklist     bool     `koanf:"enable-blacklist"`
	Blacklist           []string `koanf:"blacklist"`
	MaxKeyLength        int      `koanf:"max-key-length"`
	MaxArrayLength      int      `koanf:"max-array-length"`
	MaxStringLength     int      `koanf:"max-string-length"`
}

// Security converts c for security.NewValidator.
func (c ValidationConfig) Security() security.ValidationConfig {
	return security.ValidationConfig{
		MaxExpressionLength: c.MaxExpressionLength,
		MaxExpressionDepth:  c.MaxExpressionDepth,
		MaxResourceSize:     c.MaxResourceSize,
		EnableBlacklist:     c.EnableBlacklist,
		Blacklist:           c.Blacklist,
		MaxKeyLength:        c.MaxKeyLength,
		MaxArrayLength:      c.MaxArrayLength,
		MaxStringLength:     c.MaxStringLength,
	}
}

type MetricsConfig struct {
	ProbeInterval    time.Duration `koanf:"probe-interval"`
	WindowSize       int           `koanf:"window-size"`
	MemoryMB         float64       `koanf:"memory-mb"`
	ResponseTime     time.Duration `koanf:"response-time"`
	ErrorRatePercent float64       `koanf:"error-rate-percent"`
}

// Thresholds converts c for metrics.WithThresholds.
func (c MetricsConfig) Thresholds() metrics.Thresholds {
	return metrics.Thresholds{
		MemoryMB:         c.MemoryMB,
		ResponseTime:     c.ResponseTime,
		ErrorRatePercent: c.ErrorRatePercent,
	}
}

// BridgeConfig selects the broker sources. A source is enabled when its
// subject or topic is set.
type BridgeConfig struct {
	NATSURL      string `koanf:"nats-url"`
	NATSSubject  string `koanf:"nats-subject"`
	NATSQueue    string `koanf:"nats-queue"`
	MQTTBroker   string `koanf:"mqtt-broker"`
	MQTTTopic    string `koanf:"mqtt-topic"`
	MQTTClientID string `koanf:"mqtt-client-id"`
	MQTTQoS      int    `koanf:"mqtt-qos"`
	MQTTUsername string `koanf:"mqtt-username"`
	MQTTPassword string `koanf:"mqtt-password"`
}

// Enabled reports whether any source is configured.
func (c BridgeConfig) Enabled() bool {
	return c.NATSSubject != "" || c.MQTTTopic != ""
}

// Default returns the built-in configuration.
func Default() *Config {
	thresholds := metrics.DefaultThresholds()
	validation := security.DefaultValidationConfig()
	return &Config{
		Server: ServerConfig{
			Name:            "opgate",
			Transport:       TransportStdio,
			ShutdownTimeout: 10 * time.Second,
			MaxLineSize:     10 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "tint",
		},
		HTTP: HTTPConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			CORSOrigins:       []string{"*"},
			ReadHeaderTimeout: 10 * time.Second,
		},
		WS: WSConfig{
			Host:           "0.0.0.0",
			Port:           8081,
			Path:           "/ws",
			MaxMessageSize: 10 << 20,
		},
		GRPC: GRPCConfig{
			Host:           "0.0.0.0",
			Port:           9090,
			HealthInterval: 5 * time.Second,
		},
		Validation: ValidationConfig{
			MaxExpressionLength: validation.MaxExpressionLength,
			MaxExpressionDepth:  validation.MaxExpressionDepth,
			MaxResourceSize:     validation.MaxResourceSize,
			EnableBlacklist:     validation.EnableBlacklist,
			Blacklist:           validation.Blacklist,
			MaxKeyLength:        validation.MaxKeyLength,
			MaxArrayLength:      validation.MaxArrayLength,
			MaxStringLength:     validation.MaxStringLength,
		},
		Metrics: MetricsConfig{
			ProbeInterval:    metrics.DefaultProbeInterval,
			WindowSize:       1000,
			MemoryMB:         thresholds.MemoryMB,
			ResponseTime:     thresholds.ResponseTime,
			ErrorRatePercent: thresholds.ErrorRatePercent,
		},
		Bridge: BridgeConfig{
			MQTTQoS: 1,
		},
	}
}

// Load reads the file at path, when path is not empty, then the
// environment, over the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	cfg := Default()
	// A configured list replaces the default rather than merging into it.
	for key, list := range map[string]*[]string{
		"auth.api-keys":        &cfg.Auth.APIKeys,
		"http.cors-origins":    &cfg.HTTP.CORSOrigins,
		"validation.blacklist": &cfg.Validation.Blacklist,
	} {
		if k.Exists(key) {
			*list = nil
		}
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		parser = json.Parser()
	case ".yaml", ".yml", "":
		parser = yaml.Parser()
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return k.Load(file.Provider(path), parser)
}

// listKeys hold comma separated values in the environment.
var listKeys = map[string]bool{
	"auth.api-keys":        true,
	"http.cors-origins":    true,
	"validation.blacklist": true,
}

// envKey maps OPGATE_SECTION_SOME_KEY to section.some-key.
func envKey(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return "", nil
	}
	configKey := section + "." + strings.ReplaceAll(rest, "_", "-")

	if listKeys[configKey] {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return configKey, out
	}
	return configKey, value
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP, TransportBoth:
	default:
		errs = append(errs, fmt.Errorf("server.transport must be stdio, http or both, got %q", c.Server.Transport))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "tint", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be tint, text or json, got %q", c.Log.Format))
	}
	for name, port := range map[string]int{"http.port": c.HTTP.Port, "ws.port": c.WS.Port, "grpc.port": c.GRPC.Port} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.enabled requires auth.api-keys or auth.jwt-secret"))
	}
	if c.Bridge.MQTTTopic != "" && c.Bridge.MQTTBroker == "" {
		errs = append(errs, errors.New("bridge.mqtt-topic requires bridge.mqtt-broker"))
	}
	if c.Bridge.MQTTQoS < 0 || c.Bridge.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("bridge.mqtt-qos must be 0, 1 or 2, got %d", c.Bridge.MQTTQoS))
	}
	return errors.Join(errs...)
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
