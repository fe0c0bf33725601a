package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, ".rocksdb", cfg.Catalog.Suffix)
	assert.False(t, cfg.Catalog.SurfaceErrors)
	assert.False(t, cfg.Activity.Enabled)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeConfig(t, "server.json", `{
		"server": {
			"port": 9000,
			"ping_interval": "5s",
			"read_timeout": "20s"
		},
		"catalog": {
			"root": "/data/vortex",
			"surface_errors": true
		}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, 20*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/data/vortex", cfg.Catalog.Root)
	assert.True(t, cfg.Catalog.SurfaceErrors)

	// Keys absent from the file keep their defaults
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, ".rocksdb", cfg.Catalog.Suffix)
	assert.Equal(t, 64, cfg.Dataset.FrameCacheSize)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
server:
  port: 8181
  path: /stream
dataset:
  frame_cache_size: 8
activity:
  enabled: true
  subject_prefix: lab.vf2
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "/stream", cfg.Server.Path)
	assert.Equal(t, 8, cfg.Dataset.FrameCacheSize)
	assert.True(t, cfg.Activity.Enabled)
	assert.Equal(t, "lab.vf2", cfg.Activity.SubjectPrefix)
	assert.Equal(t, "nats://localhost:4222", cfg.Activity.NATSURL)
}

func TestLoader_Layers(t *testing.T) {
	base := writeConfig(t, "base.json", `{"server": {"port": 7000}, "catalog": {"root": "/a"}}`)
	local := writeConfig(t, "local.yml", "catalog:\n  root: /b\n")

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(local)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/b", cfg.Catalog.Root)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("VF2_PORT", "8443")
	t.Setenv("VF2_CATALOG_ROOT", "/srv/datasets")
	t.Setenv("VF2_NATS_URL", "nats://broker:4222")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "/srv/datasets", cfg.Catalog.Root)
	assert.Equal(t, "nats://broker:4222", cfg.Activity.NATSURL)
}

func TestLoader_EnvOverrideInvalidPort(t *testing.T) {
	t.Setenv("VF2_PORT", "eighty")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VF2_PORT")
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad duration", "bad.json", `{"server": {"ping_interval": "soon"}}`, "server.ping_interval"},
		{"bad json", "broken.json", `{"server": {`, "invalid JSON structure"},
		{"unsupported extension", "server.toml", `port = 1`, "only JSON or YAML"},
		{"fails validation", "invalid.json", `{"server": {"path": "ws"}}`, "server.path"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := writeConfig(t, test.file, test.content)
			_, err := NewLoader().LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.wantErr)
		})
	}
}

func TestLoader_ValidationDisabled(t *testing.T) {
	path := writeConfig(t, "invalid.json", `{"server": {"path": "ws"}}`)

	loader := NewLoader()
	loader.EnableValidation(false)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ws", cfg.Server.Path)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"empty read limit", func(c *Config) { c.Server.ReadLimit = 0 }, "read_limit"},
		{"read timeout below ping", func(c *Config) { c.Server.ReadTimeout = c.Server.PingInterval }, "read_timeout"},
		{"negative rate", func(c *Config) { c.Server.RequestsPerSecond = -1 }, "requests_per_second"},
		{"rate without burst", func(c *Config) {
			c.Server.RequestsPerSecond = 5
			c.Server.Burst = 0
		}, "burst"},
		{"empty root", func(c *Config) { c.Catalog.Root = "" }, "catalog.root"},
		{"suffix with separator", func(c *Config) { c.Catalog.Suffix = "a/b" }, "catalog.suffix"},
		{"metrics port clash", func(c *Config) { c.Metrics.Port = c.Server.Port }, "must differ"},
		{"activity without url", func(c *Config) {
			c.Activity.Enabled = true
			c.Activity.NATSURL = ""
		}, "activity.nats_url"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.wantErr)
		})
	}
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)
	cfg := sc.Get()
	assert.Equal(t, 8080, cfg.Server.Port)

	// Mutating the copy does not affect the stored config
	cfg.Server.Port = 1
	assert.Equal(t, 8080, sc.Get().Server.Port)

	updated := Default()
	updated.Server.Port = 8088
	require.NoError(t, sc.Update(updated))
	assert.Equal(t, 8088, sc.Get().Server.Port)

	bad := Default()
	bad.Catalog.Root = ""
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))
	assert.Equal(t, 8088, sc.Get().Server.Port)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "{[not counted"}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`)))

	deep := strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)
	assert.Error(t, validateJSONDepth([]byte(deep)))
}

func TestConfig_String(t *testing.T) {
	s := Default().String()
	assert.Contains(t, s, `"suffix": ".rocksdb"`)
}
