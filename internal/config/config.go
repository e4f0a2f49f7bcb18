package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Moonbot Gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentsConfig    `json:"agents"`
	Tools     ToolsConfig     `json:"tools"`
	Approvals ApprovalsConfig `json:"approvals"`
	Queue     QueueConfig     `json:"queue"`
	Sessions  SessionsConfig  `json:"sessions"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Channels  []ChannelEntry  `json:"channels,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the WebSocket listener.
type GatewayConfig struct {
	Host            string              `json:"host"`
	Port            int                 `json:"port"`
	Token           string              `json:"-"` // from env MOONBOT_GATEWAY_TOKEN or token_hash
	TokenHash       string              `json:"token_hash,omitempty"`
	TokenSalt       string              `json:"token_salt,omitempty"`
	AllowedOrigins  FlexibleStringSlice `json:"allowed_origins,omitempty"`
	RateLimitRPM    int                 `json:"rate_limit_rpm"`
	AnonRPM         int                 `json:"anon_rate_limit_rpm"`
	MaxInFlight     int                 `json:"max_in_flight"`
	MaxMessageChars int                 `json:"max_message_chars"`
	OwnerIDs        FlexibleStringSlice `json:"owner_ids,omitempty"`
}

// AgentsConfig contains agent defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace           string `json:"workspace"`
	RestrictToWorkspace bool   `json:"restrict_to_workspace"`
}

// ToolsConfig configures the tool runtime and its policy bundle.
type ToolsConfig struct {
	MaxConcurrent int                 `json:"max_concurrent"` // global invoke cap
	TimeoutMs     int                 `json:"timeout_ms"`     // per-tool wall clock
	MaxBytes      int64               `json:"max_bytes"`      // read/write and output cap
	Allowlist     FlexibleStringSlice `json:"allowlist,omitempty"`
	Denylist      FlexibleStringSlice `json:"denylist,omitempty"`

	// Per-user quotas on long-lived tool sessions.
	MaxBrowserSessions   int `json:"max_browser_sessions,omitempty"`
	MaxProcessPerUser    int `json:"max_process_per_user,omitempty"`
	MaxCodeAgentsPerUser int `json:"max_code_agents_per_user,omitempty"`
}

// ApprovalsConfig configures the approval store and flow manager.
type ApprovalsConfig struct {
	TimeoutSec    int    `json:"timeout_sec"`    // pending request TTL
	SweepSchedule string `json:"sweep_schedule"` // cron expression for the expiry sweep
}

// QueueConfig configures per-channel dispatch.
type QueueConfig struct {
	MaxDepth   int `json:"max_depth"`   // bound per channel
	MaxWorkers int `json:"max_workers"` // global worker pool
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	Storage         string `json:"storage"`
	CompactKeepLast int    `json:"compact_keep_last"`
	CompactSchedule string `json:"compact_schedule,omitempty"`
}

// LoggingConfig configures the daily log file writer.
type LoggingConfig struct {
	Dir   string `json:"dir,omitempty"`
	Level string `json:"level,omitempty"` // "debug", "info", "warn", "error"
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// ChannelEntry is a registered chat surface channel.
type ChannelEntry struct {
	ID      string `json:"id"`
	Surface string `json:"surface"` // "discord", "slack", "cli"
	Name    string `json:"name,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Snapshot returns a copy of the dynamic settings read by hot paths.
// Hot reload replaces these without restarting the gateway.
func (c *Config) Snapshot() (rateRPM, anonRPM, approvalTimeoutSec int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.RateLimitRPM, c.Gateway.AnonRPM, c.Approvals.TimeoutSec
}

// ApplyDynamic overlays reloadable settings from another config.
func (c *Config) ApplyDynamic(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway.RateLimitRPM = next.Gateway.RateLimitRPM
	c.Gateway.AnonRPM = next.Gateway.AnonRPM
	c.Approvals.TimeoutSec = next.Approvals.TimeoutSec
	c.Tools.TimeoutMs = next.Tools.TimeoutMs
	c.Tools.MaxBytes = next.Tools.MaxBytes
}
