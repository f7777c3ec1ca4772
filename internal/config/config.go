// Package config loads the process-wide bootstrap configuration shared by
// the gateway, internal services, and the WAL replayer binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full bootstrap configuration tree. Non-secret defaults may
// be supplied via a YAML file (rotation cadences, TTLs); secrets and
// environment-specific values are always read from the process
// environment and win over the YAML file. Route policy is not part of
// this tree; it is loaded from its own file by s2s.LoadPolicyFile.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	S2S      S2SConfig      `yaml:"s2s"`
	Wal      WalConfig      `yaml:"wal"`
	Edge     EdgeConfig     `yaml:"edge"`
}

type ServerConfig struct {
	Slug string `yaml:"slug"`
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// IdentityConfig drives ESK rotation.
type IdentityConfig struct {
	RotationInterval time.Duration `yaml:"rotation_interval"`
	OverlapWindow    time.Duration `yaml:"overlap_window"`
	HopTTL           time.Duration `yaml:"hop_ttl"`
	ClockSkew        time.Duration `yaml:"clock_skew"`
}

// MirrorConfig drives the ConfigMirror.
type MirrorConfig struct {
	ConfigServiceURL string        `yaml:"config_service_url"`
	ConfigServiceSlug string       `yaml:"config_service_slug"`
	TTL              time.Duration `yaml:"ttl"`
}

// S2SConfig drives hop verification policy.
type S2SConfig struct {
	Audience        string   `yaml:"audience"`
	AllowedIssuers  []string `yaml:"allowed_issuers"`
	AllowedCallers  []string `yaml:"allowed_callers"`
	JwksCooldown    time.Duration `yaml:"jwks_cooldown"`
	HopBudgetMax    int      `yaml:"hop_budget_max"`
}

// WalConfig drives the journal/engine/replayer.
type WalConfig struct {
	Dir               string        `yaml:"dir"`
	FsyncMs           int           `yaml:"fsync_ms"`
	RotateBytes       int64         `yaml:"rotate_bytes"`
	RotateMs          int           `yaml:"rotate_ms"`
	CursorFile        string        `yaml:"cursor_file"`
	ReplayBatchLines  int           `yaml:"replay_batch_lines"`
	ReplayBatchBytes  int64         `yaml:"replay_batch_bytes"`
	ReplayTickMs      int           `yaml:"replay_tick_ms"`
	QuarantineDir     string        `yaml:"quarantine_dir"`
	WriterName        string        `yaml:"writer_name"`
}

// EdgeConfig drives the edge-only guardrails.
type EdgeConfig struct {
	APIPrefix           string   `yaml:"api_prefix"`
	ReadOnlyMode        bool     `yaml:"read_only_mode"`
	ReadOnlyExempt      []string `yaml:"read_only_exempt_prefixes"`
	RateLimitPerMinute  int      `yaml:"rate_limit_per_minute"`
}

// Default returns a configuration with typical production values (e.g.
// 15 min ESK rotation with a 5 min overlap, 60s hop TTL,
// fsync-each-append).
func Default() Config {
	return Config{
		Server: ServerConfig{Slug: "gateway", Port: "8080", Env: "dev"},
		Identity: IdentityConfig{
			RotationInterval: 15 * time.Minute,
			OverlapWindow:    5 * time.Minute,
			HopTTL:           60 * time.Second,
			ClockSkew:        30 * time.Second,
		},
		Mirror: MirrorConfig{
			ConfigServiceSlug: "config-service",
			TTL:               60 * time.Second,
		},
		S2S: S2SConfig{
			JwksCooldown: 10 * time.Second,
			HopBudgetMax: 8,
		},
		Wal: WalConfig{
			Dir:              "./wal",
			FsyncMs:          0,
			RotateBytes:      64 << 20,
			ReplayBatchLines: 500,
			ReplayBatchBytes: 1 << 20,
			ReplayTickMs:     500,
			QuarantineDir:    "./wal/quarantine",
			WriterName:       "mock",
		},
		Edge: EdgeConfig{
			APIPrefix:          "/api",
			RateLimitPerMinute: 600,
		},
	}
}

// Load reads an optional YAML bootstrap file at path (ignored if empty or
// missing), then applies environment overrides recognized,
// and returns the resolved configuration.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Wal.Dir == "" {
		return Config{}, fmt.Errorf("config: %w: WAL_DIR is required", ErrMissingRequiredEnv)
	}
	if cfg.Mirror.ConfigServiceURL == "" {
		return Config{}, fmt.Errorf("config: %w: CONFIG_SERVICE_URL is required", ErrMissingRequiredEnv)
	}
	if cfg.Wal.CursorFile == "" {
		cfg.Wal.CursorFile = cfg.Wal.Dir + "/cursor.json"
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strOverride(&cfg.Server.Slug, "SERVICE_SLUG")
	strOverride(&cfg.Server.Port, "PORT")
	strOverride(&cfg.Server.Env, "SERVICE_ENV")

	strOverride(&cfg.Mirror.ConfigServiceURL, "CONFIG_SERVICE_URL")
	strOverride(&cfg.Mirror.ConfigServiceSlug, "CONFIG_SERVICE_SLUG")

	strOverride(&cfg.Wal.Dir, "WAL_DIR")
	intOverride(&cfg.Wal.FsyncMs, "WAL_FSYNC_MS")
	int64Override(&cfg.Wal.RotateBytes, "WAL_ROTATE_BYTES")
	intOverride(&cfg.Wal.RotateMs, "WAL_ROTATE_MS")
	strOverride(&cfg.Wal.CursorFile, "WAL_CURSOR_FILE")
	intOverride(&cfg.Wal.ReplayBatchLines, "WAL_REPLAY_BATCH_LINES")
	int64Override(&cfg.Wal.ReplayBatchBytes, "WAL_REPLAY_BATCH_BYTES")
	intOverride(&cfg.Wal.ReplayTickMs, "WAL_REPLAY_TICK_MS")
	strOverride(&cfg.Wal.WriterName, "WAL_WRITER")

	strOverride(&cfg.S2S.Audience, "S2S_JWT_AUDIENCE")
	csvOverride(&cfg.S2S.AllowedIssuers, "S2S_ALLOWED_ISSUERS")
	csvOverride(&cfg.S2S.AllowedCallers, "S2S_ALLOWED_CALLERS")
	durationSecOverride(&cfg.S2S.JwksCooldown, "S2S_JWKS_COOLDOWN_MS", time.Millisecond)
	durationSecOverride(&cfg.Identity.ClockSkew, "S2S_CLOCK_SKEW_SEC", time.Second)

	boolOverride(&cfg.Edge.ReadOnlyMode, "READ_ONLY_MODE")
	csvOverride(&cfg.Edge.ReadOnlyExempt, "READ_ONLY_EXEMPT_PREFIXES")
	strOverride(&cfg.Edge.APIPrefix, "API_PREFIX")
}

func strOverride(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func csvOverride(dst *[]string, env string) {
	if v := os.Getenv(env); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func intOverride(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Override(dst *int64, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func boolOverride(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func durationSecOverride(dst *time.Duration, env string, unit time.Duration) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * unit
		}
	}
}
