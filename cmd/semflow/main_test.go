package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/config"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *CLIConfig)
	}{
		{
			name: "defaults",
			args: nil,
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Empty(t, cfg.ConfigPath)
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Equal(t, "json", cfg.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
			},
		},
		{
			name: "debug shorthand",
			args: []string{"-debug"},
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Equal(t, "debug", cfg.LogLevel)
			},
		},
		{
			name: "short config flag",
			args: []string{"-c", "semflow.yaml", "-log-format", "text"},
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.Equal(t, "semflow.yaml", cfg.ConfigPath)
				assert.Equal(t, "text", cfg.LogFormat)
			},
		},
		{
			name: "version",
			args: []string{"-v"},
			check: func(t *testing.T, cfg *CLIConfig) {
				assert.True(t, cfg.ShowVersion)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet(appName, flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			cfg, err := parseFlags(fs, tt.args)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestParseFlags_Env(t *testing.T) {
	t.Setenv("SEMFLOW_LOG_LEVEL", "warn")
	t.Setenv("SEMFLOW_SHUTDOWN_TIMEOUT", "5s")

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cfg, err := parseFlags(fs, nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}

	assert.NoError(t, validateFlags(valid()))

	cfg := valid()
	cfg.LogLevel = "trace"
	assert.ErrorContains(t, validateFlags(cfg), "invalid log level")

	cfg = valid()
	cfg.LogFormat = "xml"
	assert.ErrorContains(t, validateFlags(cfg), "invalid log format")

	cfg = valid()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	assert.ErrorContains(t, validateFlags(cfg), "config file not found")

	cfg = valid()
	cfg.ShowVersion = true
	cfg.LogLevel = "trace"
	assert.NoError(t, validateFlags(cfg), "version skips validation")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, "value", entry["key"])
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "semflow.yaml")
	yaml := fmt.Sprintf(`
storage:
  mode: file
  path: %s
http:
  port: 0
runtime:
  node_close_timeout: 2s
`, filepath.Join(dir, "flows.json"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.StorageModeFile, cfg.Storage.Mode)
	assert.Equal(t, 0, cfg.HTTP.Port)
	assert.Equal(t, 2*time.Second, cfg.Runtime.NodeCloseTimeout)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("storage:\n  mode: tape\n"), 0o600))
	_, err = loadConfig(bad)
	assert.ErrorContains(t, err, "storage.mode")
}

func TestApp_FileModeLifecycle(t *testing.T) {
	dir := t.TempDir()
	flowsPath := filepath.Join(dir, "flows.json")
	stored := `[
		{"id":"t1","type":"tab","label":"Main"},
		{"id":"j1","type":"junction","z":"t1","wires":[["j2"]]},
		{"id":"j2","type":"junction","z":"t1","wires":[]}
	]`
	require.NoError(t, os.WriteFile(flowsPath, []byte(stored), 0o600))

	cfg := config.Defaults()
	cfg.Storage.Mode = config.StorageModeFile
	cfg.Storage.Path = flowsPath
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, a.start(ctx))
	defer func() { assert.NoError(t, a.shutdown(5*time.Second)) }()

	st := a.engine.State()
	assert.Equal(t, "start", st.State)
	assert.Contains(t, st.Flows, "t1")

	resp, err := http.Get("http://" + a.server.Addr() + "/flows")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Flows []map[string]any `json:"flows"`
		Rev   string           `json:"rev"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Flows, 3)
	assert.Equal(t, st.Rev, body.Rev)
}

func TestNewApp_KVModeNeedsNATS(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.Mode = config.StorageModeKV
	cfg.NATS.URLs = []string{"nats://127.0.0.1:1"}
	cfg.NATS.MaxReconnects = 0

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := newApp(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestNewApp_ConstructionFailuresReturnErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{
			name: "unnamed module",
			mutate: func(cfg *config.Config) {
				cfg.Modules = []config.ModuleConfig{{Name: ""}}
			},
		},
		{
			name: "missing server certificate",
			mutate: func(cfg *config.Config) {
				cfg.Security.TLS.Server.Enabled = true
				cfg.Security.TLS.Server.CertFile = filepath.Join(t.TempDir(), "missing.crt")
				cfg.Security.TLS.Server.KeyFile = filepath.Join(t.TempDir(), "missing.key")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Storage.Mode = config.StorageModeMemory
			tt.mutate(cfg)

			var a *app
			var err error
			require.NotPanics(t, func() {
				a, err = newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			})
			require.Error(t, err)
			assert.Nil(t, a)
		})
	}
}
