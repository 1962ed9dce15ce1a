package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, []string{"eval", "system", "exec", "shell"}, cfg.Validation.Blacklist)
	assert.False(t, cfg.Bridge.Enabled())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "opgate.yaml", `
server:
  transport: both
  debug-errors: true
  shutdown-timeout: 3s
log:
  level: debug
  format: json
http:
  host: 127.0.0.1
  port: 9000
  cors-origins:
    - https://app.example.com
auth:
  enabled: true
  api-keys:
    - key-one-000000
  jwt-secret: s3cret
validation:
  blacklist:
    - rm
bridge:
  nats-subject: opgate.push
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportBoth, cfg.Server.Transport)
	assert.True(t, cfg.Server.DebugErrors)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr())
	assert.Equal(t, []string{"https://app.example.com"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, []string{"rm"}, cfg.Validation.Blacklist)
	assert.True(t, cfg.Bridge.Enabled())

	sec := cfg.Auth.Security()
	assert.True(t, sec.Enabled)
	assert.Equal(t, []string{"key-one-000000"}, sec.APIKeys)
	assert.Equal(t, "s3cret", sec.JWTSecret)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().GRPC, cfg.GRPC)
	assert.Equal(t, Default().Metrics.Thresholds(), cfg.Metrics.Thresholds())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "opgate.json", `{"http":{"port":7070},"ws":{"enabled":true,"path":"/socket"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.True(t, cfg.WS.Enabled)
	assert.Equal(t, "/socket", cfg.WS.Path)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "opgate.yml", "http:\n  port: 9000\n")
	t.Setenv("OPGATE_HTTP_PORT", "9100")
	t.Setenv("OPGATE_AUTH_ENABLED", "true")
	t.Setenv("OPGATE_AUTH_API_KEYS", "key-a-000000, key-b-000000")
	t.Setenv("OPGATE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("OPGATE_GRPC_HEALTH_INTERVAL", "250ms")
	t.Setenv("OPGATE_BRIDGE_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("OPGATE_BRIDGE_MQTT_TOPIC", "opgate/#")
	t.Setenv("OPGATE_CONFIG", "ignored")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"key-a-000000", "key-b-000000"}, cfg.Auth.APIKeys)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 250*time.Millisecond, cfg.GRPC.HealthInterval)
	assert.Equal(t, "tcp://broker:1883", cfg.Bridge.MQTTBroker)
	assert.Equal(t, "opgate/#", cfg.Bridge.MQTTTopic)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"unknown transport", "a.yaml", "server:\n  transport: carrier-pigeon\n", "server.transport"},
		{"bad level", "b.yaml", "log:\n  level: loud\n", "invalid log level"},
		{"bad format", "c.yaml", "log:\n  format: xml\n", "log.format"},
		{"port range", "d.yaml", "grpc:\n  port: 70000\n", "grpc.port"},
		{"auth without credentials", "e.yaml", "auth:\n  enabled: true\n", "auth.enabled"},
		{"mqtt without broker", "f.yaml", "bridge:\n  mqtt-topic: x\n", "mqtt-broker"},
		{"unsupported extension", "g.toml", "x = 1\n", "unsupported config format"},
		{"malformed yaml", "h.yaml", "server: [\n", "error reading config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
