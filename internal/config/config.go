/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config covers process level configuration. Values are read from an
// optional YAML file first, then overridden by environment variables.
// Legacy PABS_* keys from earlier fleet deployments are honored so an
// existing installation can be migrated without touching its unit files.
type Config struct {
	Environment string

	// Device identity and control channel.
	DeviceID       string
	BrokerURL      string
	BrokerUsername string
	BrokerPassword string
	TopicBase      string
	KeepAlive      time.Duration

	// Local paths. All relative sources resolve under MediaRoot.
	ProjectDir         string
	MediaRoot          string
	PlaylistPath       string
	RemotePlaylistPath string
	CacheDir           string
	StateDir           string

	PersistRemotePlaylist  bool
	OverwriteLocalPlaylist bool

	// Player backend tuning.
	PlayerBin         string
	PlayerHWDec       string
	PlayerVO          string
	PlayerGPUContext  string
	PlayerExtraOpts   string
	YTDLFormat        string
	YTDLPBin          string
	PlayerStopTimeout time.Duration

	// PowerCECOnly restricts display power switching to HDMI-CEC,
	// skipping the GPU and X server fallbacks.
	PowerCECOnly bool

	// Reconnect policy.
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration

	HeartbeatInterval time.Duration

	MetricsBind string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// Load reads the optional config file and environment, applies defaults,
// and validates the result.
func Load() (*Config, error) {
	file, err := loadFileValues()
	if err != nil {
		return nil, err
	}
	get := func(keys []string, def string) string {
		return getEnvAny(keys, file.any(keys, def))
	}
	getBool := func(keys []string, def bool) bool {
		return getEnvBoolAny(keys, file.anyBool(keys, def))
	}
	getDur := func(keys []string, def time.Duration) time.Duration {
		return getEnvDurationAny(keys, file.anyDuration(keys, def))
	}

	projectDir := get([]string{"GRIMNIR_DISPLAY_PROJECT_DIR", "PABS_PROJECT_DIR"}, defaultProjectDir())

	cfg := &Config{
		Environment: get([]string{"GRIMNIR_DISPLAY_ENV", "GRIMNIR_ENV"}, "development"),

		DeviceID:       get([]string{"GRIMNIR_DISPLAY_DEVICE_ID", "PABS_CLIENT_ID", "CLIENT_ID"}, ""),
		BrokerURL:      get([]string{"GRIMNIR_DISPLAY_BROKER_URL", "PABS_MQTT_HOST", "MQTT_BROKER"}, ""),
		BrokerUsername: get([]string{"GRIMNIR_DISPLAY_BROKER_USERNAME", "PABS_MQTT_USER", "MQTT_USER"}, ""),
		BrokerPassword: get([]string{"GRIMNIR_DISPLAY_BROKER_PASSWORD", "PABS_MQTT_PASS", "MQTT_PASSWORD"}, ""),
		TopicBase:      strings.Trim(get([]string{"GRIMNIR_DISPLAY_TOPIC_BASE", "PABS_TOPIC_BASE", "MQTT_TOPIC_BASE"}, "grimnir-display"), "/"),
		KeepAlive:      getDur([]string{"GRIMNIR_DISPLAY_KEEPALIVE"}, 60*time.Second),

		ProjectDir:         projectDir,
		MediaRoot:          get([]string{"GRIMNIR_DISPLAY_MEDIA_ROOT", "PABS_MEDIA_DIR", "MEDIA_DIR"}, filepath.Join(projectDir, "media")),
		PlaylistPath:       get([]string{"GRIMNIR_DISPLAY_PLAYLIST_FILE", "PABS_PLAYLIST_FILE"}, filepath.Join(projectDir, "playlist.json")),
		RemotePlaylistPath: get([]string{"GRIMNIR_DISPLAY_REMOTE_PLAYLIST_FILE", "PABS_REMOTE_PLAYLIST_FILE"}, filepath.Join(projectDir, "playlist.remote.json")),
		CacheDir:           get([]string{"GRIMNIR_DISPLAY_CACHE_DIR", "PABS_CACHE_DIR"}, filepath.Join(projectDir, "cache")),
		StateDir:           get([]string{"GRIMNIR_DISPLAY_STATE_DIR"}, filepath.Join(projectDir, "state")),

		PersistRemotePlaylist:  getBool([]string{"GRIMNIR_DISPLAY_PERSIST_REMOTE_PLAYLIST", "PABS_PERSIST_REMOTE_PLAYLIST"}, true),
		OverwriteLocalPlaylist: getBool([]string{"GRIMNIR_DISPLAY_OVERWRITE_LOCAL_PLAYLIST", "PABS_OVERWRITE_LOCAL_PLAYLIST"}, false),

		PlayerBin:         get([]string{"GRIMNIR_DISPLAY_PLAYER_BIN"}, "mpv"),
		PlayerHWDec:       get([]string{"GRIMNIR_DISPLAY_PLAYER_HWDEC", "PABS_MPV_HWDEC"}, "no"),
		PlayerVO:          get([]string{"GRIMNIR_DISPLAY_PLAYER_VO", "PABS_MPV_VO"}, ""),
		PlayerGPUContext:  get([]string{"GRIMNIR_DISPLAY_PLAYER_GPU_CONTEXT", "PABS_MPV_GPU_CONTEXT"}, ""),
		PlayerExtraOpts:   get([]string{"GRIMNIR_DISPLAY_PLAYER_EXTRA_OPTS", "PABS_MPV_EXTRA_OPTS"}, ""),
		YTDLFormat:        get([]string{"GRIMNIR_DISPLAY_YTDL_FORMAT", "PABS_MPV_YTDL_FORMAT"}, "bestvideo[height<=720]+bestaudio/best/best"),
		YTDLPBin:          get([]string{"GRIMNIR_DISPLAY_YTDLP_BIN"}, "yt-dlp"),
		PlayerStopTimeout: getDur([]string{"GRIMNIR_DISPLAY_PLAYER_STOP_TIMEOUT"}, 5*time.Second),

		PowerCECOnly: getBool([]string{"GRIMNIR_DISPLAY_POWER_CEC_ONLY", "PABS_TV_CEC_ONLY"}, false),

		ReconnectMinInterval: getDur([]string{"GRIMNIR_DISPLAY_RECONNECT_MIN"}, time.Second),
		ReconnectMaxInterval: getDur([]string{"GRIMNIR_DISPLAY_RECONNECT_MAX"}, 30*time.Second),

		HeartbeatInterval: getDur([]string{"GRIMNIR_DISPLAY_HEARTBEAT_INTERVAL"}, 5*time.Minute),

		MetricsBind: get([]string{"GRIMNIR_DISPLAY_METRICS_BIND", "GRIMNIR_METRICS_BIND"}, "127.0.0.1:9000"),

		TracingEnabled:    getBool([]string{"GRIMNIR_DISPLAY_TRACING_ENABLED", "GRIMNIR_TRACING_ENABLED"}, false),
		OTLPEndpoint:      get([]string{"GRIMNIR_DISPLAY_OTLP_ENDPOINT", "GRIMNIR_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"GRIMNIR_DISPLAY_TRACING_SAMPLE_RATE", "GRIMNIR_TRACING_SAMPLE_RATE"}, 1.0),
	}

	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("GRIMNIR_DISPLAY_DEVICE_ID must be provided")
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("GRIMNIR_DISPLAY_BROKER_URL must be provided")
	}
	if !strings.Contains(cfg.BrokerURL, "://") {
		cfg.BrokerURL = "tcp://" + cfg.BrokerURL
	}
	if cfg.ReconnectMinInterval <= 0 {
		cfg.ReconnectMinInterval = time.Second
	}
	if cfg.ReconnectMaxInterval < cfg.ReconnectMinInterval {
		cfg.ReconnectMaxInterval = cfg.ReconnectMinInterval
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// Topic helpers. All control channel addresses hang off {base}/{device_id}.

func (c *Config) CmdTopic() string {
	return fmt.Sprintf("%s/%s/cmd", c.TopicBase, c.DeviceID)
}

func (c *Config) StatusTopic() string {
	return fmt.Sprintf("%s/%s/status", c.TopicBase, c.DeviceID)
}

func (c *Config) NowPlayingTopic() string {
	return fmt.Sprintf("%s/%s/now_playing", c.TopicBase, c.DeviceID)
}

// VideoDir and ImageDir are the two catalog subtrees relative sources
// resolve against.
func (c *Config) VideoDir() string { return filepath.Join(c.MediaRoot, "videos") }
func (c *Config) ImageDir() string { return filepath.Join(c.MediaRoot, "images") }

// StagingDir is where the sync collaborator materializes remote content
// before the reconciler promotes it.
func (c *Config) StagingDir() string { return filepath.Join(c.CacheDir, "staging") }

// EnsurePaths creates the local directory tree the agent cannot run
// without. Failure here is fatal: correct operation is impossible without
// writable state paths.
func (c *Config) EnsurePaths() error {
	for _, dir := range []string{c.VideoDir(), c.ImageDir(), c.CacheDir, c.StagingDir(), c.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func defaultProjectDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "grimnir-display")
	}
	return "./grimnir-display"
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"PABS_CLIENT_ID":     "use GRIMNIR_DISPLAY_DEVICE_ID",
		"PABS_MQTT_HOST":     "use GRIMNIR_DISPLAY_BROKER_URL",
		"PABS_TOPIC_BASE":    "use GRIMNIR_DISPLAY_TOPIC_BASE",
		"PABS_MEDIA_DIR":     "use GRIMNIR_DISPLAY_MEDIA_ROOT",
		"PABS_PLAYLIST_FILE": "use GRIMNIR_DISPLAY_PLAYLIST_FILE",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// fileValues holds the flattened YAML config file, keyed by the canonical
// env key so lookup mirrors the env fallback chain.
type fileValues map[string]string

func (f fileValues) any(keys []string, def string) string {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != "" {
			return v
		}
	}
	return def
}

func (f fileValues) anyBool(keys []string, def bool) bool {
	v := f.any(keys, "")
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func (f fileValues) anyDuration(keys []string, def time.Duration) time.Duration {
	if v := f.any(keys, ""); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

type fileConfig struct {
	Environment    string `yaml:"environment"`
	DeviceID       string `yaml:"device_id"`
	BrokerURL      string `yaml:"broker_url"`
	BrokerUsername string `yaml:"broker_username"`
	BrokerPassword string `yaml:"broker_password"`
	TopicBase      string `yaml:"topic_base"`
	ProjectDir     string `yaml:"project_dir"`
	MediaRoot      string `yaml:"media_root"`
	PlaylistPath   string `yaml:"playlist_file"`
	CacheDir       string `yaml:"cache_dir"`
	StateDir       string `yaml:"state_dir"`
	PlayerBin      string `yaml:"player_bin"`
	MetricsBind    string `yaml:"metrics_bind"`
}

func loadFileValues() (fileValues, error) {
	path := os.Getenv("GRIMNIR_DISPLAY_CONFIG_FILE")
	if path == "" {
		return fileValues{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fileValues{
		"GRIMNIR_DISPLAY_ENV":             fc.Environment,
		"GRIMNIR_DISPLAY_DEVICE_ID":       fc.DeviceID,
		"GRIMNIR_DISPLAY_BROKER_URL":      fc.BrokerURL,
		"GRIMNIR_DISPLAY_BROKER_USERNAME": fc.BrokerUsername,
		"GRIMNIR_DISPLAY_BROKER_PASSWORD": fc.BrokerPassword,
		"GRIMNIR_DISPLAY_TOPIC_BASE":      fc.TopicBase,
		"GRIMNIR_DISPLAY_PROJECT_DIR":     fc.ProjectDir,
		"GRIMNIR_DISPLAY_MEDIA_ROOT":      fc.MediaRoot,
		"GRIMNIR_DISPLAY_PLAYLIST_FILE":   fc.PlaylistPath,
		"GRIMNIR_DISPLAY_CACHE_DIR":       fc.CacheDir,
		"GRIMNIR_DISPLAY_STATE_DIR":       fc.StateDir,
		"GRIMNIR_DISPLAY_PLAYER_BIN":      fc.PlayerBin,
		"GRIMNIR_DISPLAY_METRICS_BIND":    fc.MetricsBind,
	}, nil
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvDurationAny returns the first parseable duration environment variable value from keys, or def.
// Plain integers are interpreted as seconds for compatibility with the legacy keys.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed
			}
			if secs, err := strconv.Atoi(v); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
