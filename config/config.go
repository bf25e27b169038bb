package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/semflow/pkg/security"
)

// Storage mode constants
const (
	StorageModeMemory = "memory" // flows are lost on restart
	StorageModeFile   = "file"   // flows.json and flows_cred.json on disk
	StorageModeKV     = "kv"     // NATS JetStream KV bucket
)

// Config represents the complete application configuration
type Config struct {
	Runtime  RuntimeConfig   `json:"runtime"`
	Storage  StorageConfig   `json:"storage"`
	NATS     NATSConfig      `json:"nats"`
	HTTP     HTTPConfig      `json:"http"`
	Events   EventsConfig    `json:"events"`
	Modules  []ModuleConfig  `json:"modules,omitempty"`
	Security security.Config `json:"security,omitempty"`
}

// RuntimeConfig tunes the flow runtime
type RuntimeConfig struct {
	// CredentialSecret encrypts stored credentials. Empty stores them in
	// plain text.
	CredentialSecret string `json:"credential_secret,omitempty"`
	// NodeCloseTimeout bounds each node's close during stops. Zero waits
	// forever.
	NodeCloseTimeout time.Duration `json:"node_close_timeout"`
	// FlowsStartDelay postpones the boot deploy
	FlowsStartDelay time.Duration `json:"flows_start_delay,omitempty"`
}

// StorageConfig selects where the flow document lives
type StorageConfig struct {
	Mode string `json:"mode"`

	// file mode
	Path            string `json:"path,omitempty"`
	CredentialsPath string `json:"credentials_path,omitempty"` // default next to Path
	SettingsPath    string `json:"settings_path,omitempty"`    // default next to Path
	PrettyPrint     bool   `json:"pretty_print,omitempty"`

	// kv mode
	Bucket BucketConfig `json:"bucket"`
}

// BucketConfig defines a KV bucket
type BucketConfig struct {
	Name    string `json:"name,omitempty"`
	History int    `json:"history"` // number of revisions to keep
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	CredsFile     string        `json:"creds_file,omitempty"`
}

// HTTPConfig configures the admin API server
type HTTPConfig struct {
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port"`
	AdminRoot   string `json:"admin_root"` // path prefix of the admin API
	MetricsPath string `json:"metrics_path"`
}

// Addr returns the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// EventsConfig controls forwarding of runtime events to NATS
type EventsConfig struct {
	Bridge        bool     `json:"bridge"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	Events        []string `json:"events,omitempty"` // default set when empty
}

// ModuleConfig declares an external module before its types register
type ModuleConfig struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Enabled bool   `json:"enabled"`
}

// NeedsNATS reports whether the configuration requires a NATS connection
func (c *Config) NeedsNATS() bool {
	return c.Storage.Mode == StorageModeKV || c.Events.Bridge
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// Redacted returns a copy with secrets replaced, for logging
func (c *Config) Redacted() *Config {
	out := c.Clone()
	for _, s := range []*string{&out.Runtime.CredentialSecret, &out.NATS.Password, &out.NATS.Token} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	return out
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case StorageModeMemory:
	case StorageModeFile:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required in file mode")
		}
	case StorageModeKV:
		if c.Storage.Bucket.Name == "" {
			return errors.New("storage.bucket.name is required in kv mode")
		}
		if c.Storage.Bucket.History < 1 || c.Storage.Bucket.History > 64 {
			return fmt.Errorf("storage.bucket.history must be between 1 and 64, got %d", c.Storage.Bucket.History)
		}
	default:
		return fmt.Errorf("storage.mode %q is not one of memory, file, kv", c.Storage.Mode)
	}

	if c.NeedsNATS() && len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required for kv storage and the event bridge")
	}

	if c.Runtime.NodeCloseTimeout < 0 {
		return errors.New("runtime.node_close_timeout cannot be negative")
	}
	if c.Runtime.FlowsStartDelay < 0 {
		return errors.New("runtime.flows_start_delay cannot be negative")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d is out of range", c.HTTP.Port)
	}
	if !strings.HasPrefix(c.HTTP.AdminRoot, "/") {
		return fmt.Errorf("http.admin_root %q must start with /", c.HTTP.AdminRoot)
	}
	if !strings.HasPrefix(c.HTTP.MetricsPath, "/") {
		return fmt.Errorf("http.metrics_path %q must start with /", c.HTTP.MetricsPath)
	}

	if c.Events.Bridge && !isValidNATSSubject(c.Events.SubjectPrefix) {
		return fmt.Errorf("events.subject_prefix %q is not a valid NATS subject", c.Events.SubjectPrefix)
	}

	seen := make(map[string]bool, len(c.Modules))
	for i, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("modules[%d].name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("module %s is declared twice", m.Name)
		}
		seen[m.Name] = true
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}
	return nil
}

// isValidNATSSubject checks a dotted subject without wildcards
func isValidNATSSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" || strings.ContainsAny(part, " \t*>") {
			return false
		}
	}
	return true
}

// validateSecurity validates the TLS settings of the admin server
func (c *Config) validateSecurity() error {
	server := c.Security.TLS.Server
	if !server.Enabled {
		return nil
	}
	if server.CertFile == "" {
		return errors.New("tls.server.cert_file is required when TLS is enabled")
	}
	if server.KeyFile == "" {
		return errors.New("tls.server.key_file is required when TLS is enabled")
	}
	if _, err := os.Stat(server.CertFile); err != nil {
		return fmt.Errorf("tls.server.cert_file: %w", err)
	}
	if _, err := os.Stat(server.KeyFile); err != nil {
		return fmt.Errorf("tls.server.key_file: %w", err)
	}
	if server.MinVersion != "" {
		if err := validateTLSVersion(server.MinVersion); err != nil {
			return fmt.Errorf("tls.server.min_version: %w", err)
		}
	}
	for i, ca := range server.MTLS.ClientCAFiles {
		if _, err := os.Stat(ca); err != nil {
			return fmt.Errorf("tls.server.mtls.client_ca_files[%d]: %w", i, err)
		}
	}
	if server.MTLS.Enabled && len(server.MTLS.ClientCAFiles) == 0 {
		return errors.New("tls.server.mtls.client_ca_files is required when mTLS is enabled")
	}
	return nil
}

// validateTLSVersion checks if a TLS version string is valid
func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "SEMFLOW",
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if cfg, err = mergeFromMap(cfg, rawConfig); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			NodeCloseTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Mode: StorageModeMemory,
			Bucket: BucketConfig{
				Name:    "semflow_flows",
				History: 5,
			},
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			Port:        1880,
			AdminRoot:   "/",
			MetricsPath: "/metrics",
		},
		Events: EventsConfig{
			SubjectPrefix: "semflow.events",
		},
	}
}

// loadRaw loads a JSON or YAML file as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rawConfig); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &rawConfig); err != nil {
			return nil, err
		}
	}

	if err := parseDurations(rawConfig); err != nil {
		return nil, err
	}
	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationFields lists section.key pairs holding durations
var durationFields = [][2]string{
	{"runtime", "node_close_timeout"},
	{"runtime", "flows_start_delay"},
	{"nats", "reconnect_wait"},
}

// parseDurations converts duration strings to nanoseconds for json
// unmarshaling
func parseDurations(data map[string]any) error {
	for _, f := range durationFields {
		section, ok := data[f[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[f[1]].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", f[0], f[1], err)
		}
		section[f[1]] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(key string) (string, error) {
		name := l.envPrefix + "_" + key
		val := os.Getenv(name)
		return val, checkEnvValue(name, val)
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"CREDENTIAL_SECRET", &cfg.Runtime.CredentialSecret},
		{"STORAGE_MODE", &cfg.Storage.Mode},
		{"STORAGE_PATH", &cfg.Storage.Path},
		{"STORAGE_BUCKET", &cfg.Storage.Bucket.Name},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"NATS_CREDS_FILE", &cfg.NATS.CredsFile},
		{"HTTP_HOST", &cfg.HTTP.Host},
		{"HTTP_ADMIN_ROOT", &cfg.HTTP.AdminRoot},
		{"EVENTS_PREFIX", &cfg.Events.SubjectPrefix},
	}
	for _, s := range strs {
		val, err := get(s.key)
		if err != nil {
			return err
		}
		if val != "" {
			*s.dst = val
		}
	}

	if val, err := get("NATS_URLS"); err != nil {
		return err
	} else if val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	if val, err := get("HTTP_PORT"); err != nil {
		return err
	} else if val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_HTTP_PORT: %w", l.envPrefix, err)
		}
		cfg.HTTP.Port = port
	}

	if val, err := get("EVENTS_BRIDGE"); err != nil {
		return err
	} else if val != "" {
		on, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_EVENTS_BRIDGE: %w", l.envPrefix, err)
		}
		cfg.Events.Bridge = on
	}

	if val, err := get("NODE_CLOSE_TIMEOUT"); err != nil {
		return err
	} else if val != "" {
		d, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("%s_NODE_CLOSE_TIMEOUT: %w", l.envPrefix, err)
		}
		cfg.Runtime.NodeCloseTimeout = d
	}
	return nil
}

// String returns a JSON representation of the config with secrets redacted
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
