package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/careagent/neuron/internal/config"
)

func getenvFromMap(env map[string]string) func(string) string {
	return func(key string) string { return env[key] }
}

// TestLoad_DefaultsWithValidOrganization verifies the config boots with
// sensible defaults once a valid organization.npi override is supplied —
// Validate has no safe default for an NPI, so every test must set one.
func TestLoad_DefaultsWithValidOrganization(t *testing.T) {
	cfg, err := config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI": "1234567893",
	}))
	assert.NoError(t, err)
	assert.Equal(t, "1234567893", cfg.Organization.NPI)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/ws/handshake", cfg.WebSocket.Path)
	assert.Equal(t, 10, cfg.WebSocket.MaxConcurrentHandshakes)
	assert.Equal(t, 30_000, cfg.WebSocket.AuthTimeoutMs)
	assert.Equal(t, int64(64*1024), cfg.WebSocket.MaxPayloadBytes)
	assert.Equal(t, 60_000, cfg.Heartbeat.IntervalMs)
}

func TestLoad_InvalidNPIFails(t *testing.T) {
	_, err := config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI": "not-an-npi",
	}))
	assert.Error(t, err)
}

func TestLoad_NestedOverride(t *testing.T) {
	cfg, err := config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI":       "1234567893",
		"NEURON_HEARTBEAT__INTERVALMS":   "15000",
		"NEURON_WEBSOCKET__PATH":         "/custom/path",
		"NEURON_SERVER__PORT":            "9443",
		"NEURON_API__CORS__ALLOWEDORIGINS": "https://a.example,https://b.example",
	}))
	assert.NoError(t, err)
	assert.Equal(t, 15_000, cfg.Heartbeat.IntervalMs)
	assert.Equal(t, "/custom/path", cfg.WebSocket.Path)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.CORS.AllowedOrigins)
}

func TestLoad_BooleanCoercion(t *testing.T) {
	cfg, err := config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI":      "1234567893",
		"NEURON_LOCALNETWORK__ENABLED":  "true",
		"NEURON_LOCALNETWORK__PROTOCOLVERSION": "2.1.0",
	}))
	assert.NoError(t, err)
	assert.True(t, cfg.LocalNetwork.Enabled)
}

func TestLoad_InvalidProtocolVersionFailsOnlyWhenLocalNetworkEnabled(t *testing.T) {
	_, err := config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI":             "1234567893",
		"NEURON_LOCALNETWORK__ENABLED":         "true",
		"NEURON_LOCALNETWORK__PROTOCOLVERSION": "not-semver",
	}))
	assert.Error(t, err)

	cfg, err := config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI":             "1234567893",
		"NEURON_LOCALNETWORK__PROTOCOLVERSION": "not-semver",
	}))
	assert.NoError(t, err)
	assert.False(t, cfg.LocalNetwork.Enabled)
}

func TestLoad_ObservabilityDefaultsAndOverride(t *testing.T) {
	cfg, err := config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI": "1234567893",
	}))
	assert.NoError(t, err)
	assert.False(t, cfg.Observability.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Observability.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.Observability.SampleRate)

	cfg, err = config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI":              "1234567893",
		"NEURON_OBSERVABILITY__ENABLED":         "true",
		"NEURON_OBSERVABILITY__OTLPENDPOINT":    "collector:4317",
		"NEURON_OBSERVABILITY__SAMPLERATE":      "0.25",
	}))
	assert.NoError(t, err)
	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, "collector:4317", cfg.Observability.OTLPEndpoint)
	assert.Equal(t, 0.25, cfg.Observability.SampleRate)
}

func TestLoad_NonPositiveLimitsRejected(t *testing.T) {
	_, err := config.Load(getenvFromMap(map[string]string{
		"NEURON_ORGANIZATION__NPI":                 "1234567893",
		"NEURON_WEBSOCKET__MAXCONCURRENTHANDSHAKES": "0",
	}))
	assert.Error(t, err)
}
