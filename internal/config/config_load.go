package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// DefaultPath is the config file location unless overridden by --config.
const DefaultPath = "~/.moonbot/config.json"

const maxBackups = 10

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18789,
			RateLimitRPM:    120,
			AnonRPM:         20,
			MaxInFlight:     16,
			MaxMessageChars: 32000,
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.moonbot/workspace",
				RestrictToWorkspace: true,
			},
		},
		Tools: ToolsConfig{
			MaxConcurrent:        10,
			TimeoutMs:            30000,
			MaxBytes:             2 << 20,
			MaxBrowserSessions:   5,
			MaxProcessPerUser:    3,
			MaxCodeAgentsPerUser: 2,
		},
		Approvals: ApprovalsConfig{
			TimeoutSec:    120,
			SweepSchedule: "* * * * *",
		},
		Queue: QueueConfig{
			MaxDepth:   100,
			MaxWorkers: 8,
		},
		Sessions: SessionsConfig{
			Storage:         "~/.moonbot/sessions",
			CompactKeepLast: 50,
		},
		Logging: LoggingConfig{
			Dir:   "~/.moonbot/logs",
			Level: "info",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MOONBOT_GATEWAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("MOONBOT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("MOONBOT_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("MOONBOT_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("MOONBOT_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("MOONBOT_LOGS_DIR", &c.Logging.Dir)

	envStr("MOONBOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MOONBOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("MOONBOT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("MOONBOT_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config atomically and rotates a timestamped backup of the
// previous file into <dir>/backups/, keeping at most 10.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if prev, err := os.ReadFile(path); err == nil {
		if err := rotateBackup(dir, prev); err != nil {
			return fmt.Errorf("rotate backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func rotateBackup(dir string, prev []byte) error {
	backupDir := filepath.Join(dir, "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return err
	}
	ts := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
	name := filepath.Join(backupDir, "config-"+ts+".json")
	if err := os.WriteFile(name, prev, 0600); err != nil {
		return err
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "config-") && strings.HasSuffix(e.Name(), ".json") {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups)
	for len(backups) > maxBackups {
		os.Remove(filepath.Join(backupDir, backups[0]))
		backups = backups[1:]
	}
	return nil
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// SessionsPath returns the expanded session storage path.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// LogsPath returns the expanded log directory.
func (c *Config) LogsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Logging.Dir)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by config.get to avoid exposing secrets to WebSocket clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Gateway.TokenHash)
	maskNonEmpty(&cp.Gateway.TokenSalt)

	return cp
}

// StripMaskedSecrets strips only fields that still contain the mask value "***".
// Real values entered through config.patch are preserved.
func (c *Config) StripMaskedSecrets() {
	stripIfMasked := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}
	stripIfMasked(&c.Gateway.Token)
	stripIfMasked(&c.Gateway.TokenHash)
	stripIfMasked(&c.Gateway.TokenSalt)
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
