package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides, e.g. CHATSYNC_BACKEND_URL.
const EnvPrefix = "CHATSYNC_"

// Config holds application configuration.
type Config struct {
	// BackendURL is the ingestion service base URL (POST {base}/chats).
	BackendURL string `json:"backend_url"`

	// ClassifierURL is the answer-seeking classifier base URL. Defaults to BackendURL.
	ClassifierURL string `json:"classifier_url,omitempty"`

	// UserID seeds the anonymous identity when none is stored yet.
	UserID string `json:"user_id,omitempty"`

	HTTPTimeoutSeconds   int `json:"http_timeout_seconds"`
	FlushIntervalSeconds int `json:"flush_interval_seconds"`

	// DOM watcher timings.
	DebounceMS        int `json:"debounce_ms"`
	BackupScanSeconds int `json:"backup_scan_seconds"`
	URLPollMS         int `json:"url_poll_ms"`
	SetupRetries      int `json:"setup_retries"`

	// MaxCaptureBytes caps the size of one captured response body.
	MaxCaptureBytes int64 `json:"max_capture_bytes"`

	// ProfilesPath points at an extra YAML profiles file. Its profiles replace
	// built-in profiles with the same id.
	ProfilesPath string `json:"profiles_path,omitempty"`

	// DisabledPlatforms lists platform ids that are never captured.
	DisabledPlatforms []string `json:"disabled_platforms,omitempty"`

	// AllowedPaths is an allowlist of directories for export and snapshot files.
	// Paths outside ~/.chatsync/exports require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for file operations.
	// When true, any directory is allowed (but symlink and extension checks still apply).
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// LogFormat is json or console.
	LogFormat string `json:"log_format"`

	// Listen is the control API address.
	Listen string `json:"listen"`

	// BrowserURL is the DevTools websocket of an already running Chrome.
	// When empty, serve launches its own browser.
	BrowserURL string `json:"browser_url,omitempty"`

	// BrowserBin overrides the Chrome binary used for launching.
	BrowserBin string `json:"browser_bin,omitempty"`

	// BrowserDataDir keeps logins across restarts of a launched browser.
	BrowserDataDir string `json:"browser_data_dir,omitempty"`

	// Headless launches Chrome without a window.
	Headless bool `json:"headless,omitempty"`

	// OpenURLs are opened in new tabs once the browser is attached.
	OpenURLs []string `json:"open_urls,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of MCP tool types to exclude (e.g. "account").
	// Every tool whose name starts with "<type>_" is skipped.
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BackendURL:           "http://localhost:3000/api",
		HTTPTimeoutSeconds:   30,
		FlushIntervalSeconds: 300,
		DebounceMS:           2000,
		BackupScanSeconds:    10,
		URLPollMS:            1000,
		SetupRetries:         30,
		MaxCaptureBytes:      8 << 20,
		LogLevel:             "info",
		LogFormat:            "console",
		Listen:               "127.0.0.1:7433",
	}
}

// HTTPTimeout returns the ingestion client timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// FlushInterval returns the period between background uploads.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// ClassifierBase returns ClassifierURL, or BackendURL when unset.
func (c *Config) ClassifierBase() string {
	if c.ClassifierURL != "" {
		return c.ClassifierURL
	}
	return c.BackendURL
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.chatsync.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.chatsync) and repo (.chatsync) directories,
// then applies CHATSYNC_* environment overrides.
// Repo config is found by walking upward from startDir to find the nearest .chatsync/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	// Walk upward from startDir to find repo config
	repoConfigPath := FindRepoConfig(startDir)
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	fromEnv, err := LoadEnv()
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo, then environment
	return Merge(Merge(Merge(DefaultConfig(), global), repo), fromEnv), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .chatsync/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".chatsync", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root, not found
			return ""
		}
		dir = parent
	}
}

// listKeys are split on commas when read from the environment.
var listKeys = map[string]bool{
	"disabled_platforms": true,
	"allowed_paths":      true,
	"disabled_tools":     true,
	"disabled_types":     true,
	"open_urls":          true,
}

// LoadEnv builds an overlay config from CHATSYNC_* environment variables.
// CHATSYNC_BACKEND_URL sets backend_url; list fields take comma-separated values.
func LoadEnv() (*Config, error) {
	k := koanf.New(".")
	provider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if listKeys[name] {
			return name, strings.Split(value, ",")
		}
		return name, value
	})
	if err := k.Load(provider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment config: %w", err)
	}
	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File doesn't exist, return zero config
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.BackendURL = pick(overlay.BackendURL, base.BackendURL)
	result.ClassifierURL = pick(overlay.ClassifierURL, base.ClassifierURL)
	result.UserID = pick(overlay.UserID, base.UserID)
	result.HTTPTimeoutSeconds = pick(overlay.HTTPTimeoutSeconds, base.HTTPTimeoutSeconds)
	result.FlushIntervalSeconds = pick(overlay.FlushIntervalSeconds, base.FlushIntervalSeconds)
	result.DebounceMS = pick(overlay.DebounceMS, base.DebounceMS)
	result.BackupScanSeconds = pick(overlay.BackupScanSeconds, base.BackupScanSeconds)
	result.URLPollMS = pick(overlay.URLPollMS, base.URLPollMS)
	result.SetupRetries = pick(overlay.SetupRetries, base.SetupRetries)
	result.MaxCaptureBytes = pick(overlay.MaxCaptureBytes, base.MaxCaptureBytes)
	result.ProfilesPath = pick(overlay.ProfilesPath, base.ProfilesPath)
	result.DBMaxOpenConns = pick(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pick(overlay.DBMaxIdleConns, base.DBMaxIdleConns)
	result.LogLevel = pick(overlay.LogLevel, base.LogLevel)
	result.LogFormat = pick(overlay.LogFormat, base.LogFormat)
	result.Listen = pick(overlay.Listen, base.Listen)
	result.BrowserURL = pick(overlay.BrowserURL, base.BrowserURL)
	result.BrowserBin = pick(overlay.BrowserBin, base.BrowserBin)
	result.BrowserDataDir = pick(overlay.BrowserDataDir, base.BrowserDataDir)

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths
	result.Headless = base.Headless || overlay.Headless

	// Arrays: merge and deduplicate
	result.DisabledPlatforms = mergeStringSlice(base.DisabledPlatforms, overlay.DisabledPlatforms)
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)
	result.OpenURLs = mergeStringSlice(base.OpenURLs, overlay.OpenURLs)

	return result
}

func pick[T comparable](overlay, base T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string(nil), a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
