package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved set of control-plane tunables. Fields are
// populated, in increasing precedence, from hardcoded defaults, an optional
// YAML file, then environment variables.
type Config struct {
	StateDir string `yaml:"state_dir"`
	LogDir   string `yaml:"log_dir"`
	LogFile  string `yaml:"-"`
	DBPath   string `yaml:"-"`

	PublicPort int    `yaml:"public_port"`
	AdminPort  int    `yaml:"admin_port"`
	AdminKey   string `yaml:"admin_key"`

	// AdminKeyGenerated is set when no key came from file or environment
	// and Load minted one; the caller may then try the secrets backend
	// before accepting the generated value.
	AdminKeyGenerated bool `yaml:"-"`

	ReclaimOfflineThreshold time.Duration `yaml:"-"`
	ReclaimLease            time.Duration `yaml:"-"`
	ProbeInterval           time.Duration `yaml:"-"`
	MinConsecutiveFailures  int           `yaml:"min_consecutive_failures"`
	MinFailureWindow        time.Duration `yaml:"-"`
	MaxPrefetchPerDrone     int           `yaml:"max_prefetch_per_drone"`
	MaxFailures             int           `yaml:"max_failures"`
	GroundingTimeout        time.Duration `yaml:"-"`
	FailureAge              time.Duration `yaml:"-"`
	MaxUploadFailures       int           `yaml:"max_upload_failures"`

	SweeperPrefix string `yaml:"sweeper_prefix"`

	// ProtectedHosts can never be targeted by an automated reboot,
	// regardless of drone-kind or the per-drone auto-reboot flag.
	ProtectedHosts map[string]bool `yaml:"-"`

	PayloadCacheRoot string `yaml:"payload_cache_root"`
	ReleaseCacheRoot string `yaml:"release_cache_root"`

	SecretsBackend string `yaml:"secrets_backend"`

	RedisAddr string `yaml:"redis_addr"`
}

// fileShape mirrors the subset of Config a YAML file may override. Timing
// fields are expressed in the same raw units the environment variables use
// so one value has one textual form across both sources.
type fileShape struct {
	StateDir                string   `yaml:"state_dir"`
	LogDir                  string   `yaml:"log_dir"`
	PublicPort              int      `yaml:"public_port"`
	AdminPort               int      `yaml:"admin_port"`
	AdminKey                string   `yaml:"admin_key"`
	ReclaimOfflineMinutes   int      `yaml:"reclaim_offline_minutes"`
	ReclaimLeaseSeconds     int      `yaml:"reclaim_lease_seconds"`
	ProbeIntervalSeconds    int      `yaml:"probe_interval_seconds"`
	MinConsecutiveFailures  int      `yaml:"min_consecutive_failures"`
	MinFailureWindowSeconds int      `yaml:"min_failure_window_seconds"`
	MaxPrefetchPerDrone     int      `yaml:"max_prefetch_per_drone"`
	MaxFailures             int      `yaml:"max_failures"`
	GroundingTimeoutSeconds int      `yaml:"grounding_timeout_seconds"`
	FailureAgeMinutes       int      `yaml:"failure_age_minutes"`
	MaxUploadFailures       int      `yaml:"max_upload_failures"`
	SweeperPrefix           string   `yaml:"sweeper_prefix"`
	ProtectedHosts          []string `yaml:"protected_hosts"`
	PayloadCacheRoot        string   `yaml:"payload_cache_root"`
	ReleaseCacheRoot        string   `yaml:"release_cache_root"`
	SecretsBackend          string   `yaml:"secrets_backend"`
	RedisAddr               string   `yaml:"redis_addr"`
}

// Defaults returns a Config populated with the built-in defaults table,
// before any file or environment overrides are applied.
func Defaults() *Config {
	stateDir, logDir := defaultDirs()
	return &Config{
		StateDir:                stateDir,
		LogDir:                  logDir,
		DBPath:                  filepath.Join(stateDir, "swarm.db"),
		LogFile:                 filepath.Join(logDir, "control-plane.log"),
		PublicPort:              DefaultPublicPort,
		AdminPort:               DefaultAdminPort,
		AdminKey:                "",
		ReclaimOfflineThreshold: DefaultReclaimOfflineThreshold,
		ReclaimLease:            DefaultReclaimLease,
		ProbeInterval:           DefaultProbeInterval,
		MinConsecutiveFailures:  DefaultMinConsecutiveFailures,
		MinFailureWindow:        DefaultMinFailureWindow,
		MaxPrefetchPerDrone:     DefaultMaxPrefetchPerDrone,
		MaxFailures:             DefaultMaxFailures,
		GroundingTimeout:        DefaultGroundingTimeout,
		FailureAge:              DefaultFailureAge,
		MaxUploadFailures:       DefaultMaxUploadFailures,
		SweeperPrefix:           DefaultSweeperPrefix,
		ProtectedHosts:          map[string]bool{},
		PayloadCacheRoot:        filepath.Join(stateDir, "payloads"),
		ReleaseCacheRoot:        filepath.Join(stateDir, "releases"),
		SecretsBackend:          "local",
	}
}

// defaultDirs mirrors the original's portable-default rule: system paths
// when running as root, XDG base directories otherwise.
func defaultDirs() (stateDir, logDir string) {
	if os.Geteuid() == 0 {
		return "/var/lib/build-swarm", "/var/log/build-swarm"
	}
	home, _ := os.UserHomeDir()
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dataHome, "build-swarm"), filepath.Join(stateHome, "build-swarm")
}

// Load resolves the final Config: defaults, then the YAML file at
// configPath (if non-empty and it exists), then environment variables.
// Directories named by the result are created if missing.
func Load(configPath string) (*Config, error) {
	c := Defaults()
	defaultPayloadRoot, defaultReleaseRoot := c.PayloadCacheRoot, c.ReleaseCacheRoot

	if configPath != "" {
		if err := c.applyFile(configPath); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	c.applyEnv()

	// Cache roots follow a relocated state dir unless they were set
	// explicitly.
	if c.PayloadCacheRoot == defaultPayloadRoot {
		c.PayloadCacheRoot = filepath.Join(c.StateDir, "payloads")
	}
	if c.ReleaseCacheRoot == defaultReleaseRoot {
		c.ReleaseCacheRoot = filepath.Join(c.StateDir, "releases")
	}

	if c.AdminKey == "" {
		generated, err := generateAdminKey()
		if err != nil {
			return nil, fmt.Errorf("generating admin key: %w", err)
		}
		c.AdminKey = generated
		c.AdminKeyGenerated = true
	}

	for _, dir := range []string{c.StateDir, c.LogDir, c.PayloadCacheRoot, c.ReleaseCacheRoot} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	c.DBPath = filepath.Join(c.StateDir, "swarm.db")
	c.LogFile = filepath.Join(c.LogDir, "control-plane.log")

	return c, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var fs fileShape
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return err
	}
	if fs.StateDir != "" {
		c.StateDir = fs.StateDir
	}
	if fs.LogDir != "" {
		c.LogDir = fs.LogDir
	}
	if fs.PublicPort != 0 {
		c.PublicPort = fs.PublicPort
	}
	if fs.AdminPort != 0 {
		c.AdminPort = fs.AdminPort
	}
	if fs.AdminKey != "" {
		c.AdminKey = fs.AdminKey
	}
	if fs.ReclaimOfflineMinutes != 0 {
		c.ReclaimOfflineThreshold = time.Duration(fs.ReclaimOfflineMinutes) * time.Minute
	}
	if fs.ReclaimLeaseSeconds != 0 {
		c.ReclaimLease = time.Duration(fs.ReclaimLeaseSeconds) * time.Second
	}
	if fs.ProbeIntervalSeconds != 0 {
		c.ProbeInterval = time.Duration(fs.ProbeIntervalSeconds) * time.Second
	}
	if fs.MinConsecutiveFailures != 0 {
		c.MinConsecutiveFailures = fs.MinConsecutiveFailures
	}
	if fs.MinFailureWindowSeconds != 0 {
		c.MinFailureWindow = time.Duration(fs.MinFailureWindowSeconds) * time.Second
	}
	if fs.MaxPrefetchPerDrone != 0 {
		c.MaxPrefetchPerDrone = fs.MaxPrefetchPerDrone
	}
	if fs.MaxFailures != 0 {
		c.MaxFailures = fs.MaxFailures
	}
	if fs.GroundingTimeoutSeconds != 0 {
		c.GroundingTimeout = time.Duration(fs.GroundingTimeoutSeconds) * time.Second
	}
	if fs.FailureAgeMinutes != 0 {
		c.FailureAge = time.Duration(fs.FailureAgeMinutes) * time.Minute
	}
	if fs.MaxUploadFailures != 0 {
		c.MaxUploadFailures = fs.MaxUploadFailures
	}
	if fs.SweeperPrefix != "" {
		c.SweeperPrefix = fs.SweeperPrefix
	}
	for _, h := range fs.ProtectedHosts {
		h = strings.TrimSpace(h)
		if h != "" {
			c.ProtectedHosts[h] = true
		}
	}
	if fs.PayloadCacheRoot != "" {
		c.PayloadCacheRoot = fs.PayloadCacheRoot
	}
	if fs.ReleaseCacheRoot != "" {
		c.ReleaseCacheRoot = fs.ReleaseCacheRoot
	}
	if fs.SecretsBackend != "" {
		c.SecretsBackend = fs.SecretsBackend
	}
	if fs.RedisAddr != "" {
		c.RedisAddr = fs.RedisAddr
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SWARM_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("SWARM_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := envInt("CONTROL_PLANE_PORT"); v != 0 {
		c.PublicPort = v
	}
	if v := envInt("ADMIN_PORT"); v != 0 {
		c.AdminPort = v
	}
	if v := os.Getenv("ADMIN_SECRET"); v != "" {
		c.AdminKey = v
	}
	if v := envInt("RECLAIM_OFFLINE_MINUTES"); v != 0 {
		c.ReclaimOfflineThreshold = time.Duration(v) * time.Minute
	}
	if v := envInt("RECLAIM_LEASE_SECONDS"); v != 0 {
		c.ReclaimLease = time.Duration(v) * time.Second
	}
	if v := envInt("PROBE_INTERVAL_SECONDS"); v != 0 || os.Getenv("PROBE_INTERVAL_SECONDS") == "0" {
		c.ProbeInterval = time.Duration(v) * time.Second
	}
	if v := envInt("MIN_CONSECUTIVE_FAILURES"); v != 0 {
		c.MinConsecutiveFailures = v
	}
	if v := envInt("MIN_FAILURE_WINDOW_SECONDS"); v != 0 {
		c.MinFailureWindow = time.Duration(v) * time.Second
	}
	if v := envInt("MAX_PREFETCH_PER_DRONE"); v != 0 {
		c.MaxPrefetchPerDrone = v
	}
	if v := envInt("MAX_DRONE_FAILURES"); v != 0 {
		c.MaxFailures = v
	}
	if v := envInt("GROUNDING_TIMEOUT"); v != 0 {
		c.GroundingTimeout = time.Duration(v) * time.Second
	}
	if v := envInt("FAILURE_AGE_MINUTES"); v != 0 {
		c.FailureAge = time.Duration(v) * time.Minute
	}
	if v := envInt("MAX_UPLOAD_FAILURES"); v != 0 {
		c.MaxUploadFailures = v
	}
	if v := os.Getenv("SWEEPER_PREFIX"); v != "" {
		c.SweeperPrefix = v
	}
	if v := os.Getenv("PROTECTED_HOSTS"); v != "" {
		for _, h := range strings.Split(v, ",") {
			h = strings.TrimSpace(h)
			if h != "" {
				c.ProtectedHosts[h] = true
			}
		}
	}
	if path := "/etc/build-swarm/protected_hosts.conf"; fileExists(path) {
		if data, err := os.ReadFile(path); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line != "" && !strings.HasPrefix(line, "#") {
					c.ProtectedHosts[line] = true
				}
			}
		}
	}
	if v := os.Getenv("STAGING_PATH"); v != "" {
		c.PayloadCacheRoot = v
	}
	if v := os.Getenv("BINHOST_PATH"); v != "" {
		c.ReleaseCacheRoot = v
	}
	if v := os.Getenv("SWARM_SECRETS_BACKEND"); v != "" {
		c.SecretsBackend = v
	}
	if v := os.Getenv("SWARM_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func generateAdminKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// IsProtected reports whether host (an IP or name) is in the operator's
// reboot-protection list, independent of drone-kind.
func (c *Config) IsProtected(host string) bool {
	return c.ProtectedHosts[host]
}
