package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hpc-bridge/core/backoff"
	"hpc-bridge/core/bridge"
	"hpc-bridge/core/executor"
	"hpc-bridge/core/models"
	"hpc-bridge/core/monitoring"
	"hpc-bridge/core/spec"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Platform
	PlatformURL      string
	PlatformUser     string
	PlatformPassword string
	PlatformToken    string
	CatalogTTL       time.Duration

	// Bridge
	BridgePlatform string
	BridgeServer   string
	BridgeRepo     string
	BridgeToken    string
	BridgeWorkflow string
	BridgeRef      string
	BridgeDenylist []string
	TargetDir      string

	// Job defaults
	DefaultImage    string
	DefaultPriority int
	DefaultShmGB    int
	WorkspaceID     string
	ProjectID       string

	// Controller
	CacheDir         string
	PollInterval     time.Duration
	UnreachableGrace time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryCount       int
	Parallelism      int

	// Server
	DatabaseURL     string
	ServerPort      string
	MonitorInterval time.Duration
	LogLevel        string

	// From the YAML file
	ConfigFile      string
	ComputeGroups   []models.ComputeGroup
	KnownGroupsOnly bool
	Bridges         []executor.BridgeProfile
	DefaultBridge   string
	Tunnel          TunnelSettings
}

// TunnelSettings is the tunnel section of the config file
type TunnelSettings struct {
	Daemon              string `yaml:"daemon"`
	SSHPort             int    `yaml:"ssh_port"`
	TunnelPort          int    `yaml:"tunnel_port"`
	DebCacheDir         string `yaml:"deb_cache_dir"`
	AllowPackageManager bool   `yaml:"allow_package_manager"`
	RTunnelBin          string `yaml:"rtunnel_bin"`
	HostKeyDir          string `yaml:"host_key_dir"`
	AuthorizedKey       string `yaml:"authorized_key"`
	AuthorizedKeysFile  string `yaml:"authorized_keys_file"`
	LogDir              string `yaml:"log_dir"`
	// IdentityFile is the private key hpcctl exec uses to reach a bridge.
	IdentityFile string `yaml:"identity_file"`
}

type fileConfig struct {
	ComputeGroups   []models.ComputeGroup    `yaml:"compute_groups"`
	KnownGroupsOnly bool                     `yaml:"known_groups_only"`
	Bridges         []executor.BridgeProfile `yaml:"bridges"`
	DefaultBridge   string                   `yaml:"default_bridge"`
	Denylist        []string                 `yaml:"denylist"`
	Tunnel          TunnelSettings           `yaml:"tunnel"`
}

// Load reads .env, then environment variables, then the optional YAML file
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment and the YAML file it names
func FromEnv() (Config, error) {
	cacheDir := getEnv("HPC_CACHE_DIR", "")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to locate home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".hpc-bridge")
	}

	cfg := Config{
		PlatformURL:      getEnv("HPC_BASE_URL", ""),
		PlatformUser:     getEnv("HPC_USERNAME", ""),
		PlatformPassword: getEnv("HPC_PASSWORD", ""),
		PlatformToken:    getEnv("HPC_TOKEN", ""),
		CatalogTTL:       getEnvAsDuration("HPC_CATALOG_TTL", 3*time.Minute),

		BridgePlatform: strings.ToLower(getEnv("BRIDGE_PLATFORM", string(bridge.PlatformGitea))),
		BridgeServer:   getEnv("BRIDGE_SERVER", ""),
		BridgeRepo:     getEnv("BRIDGE_REPO", ""),
		BridgeToken:    getEnv("BRIDGE_TOKEN", ""),
		BridgeWorkflow: getEnv("BRIDGE_WORKFLOW", "bridge-action.yml"),
		BridgeRef:      getEnv("BRIDGE_REF", "main"),
		BridgeDenylist: splitList(getEnv("BRIDGE_DENYLIST", "")),
		TargetDir:      getEnv("HPC_TARGET_DIR", ""),

		DefaultImage:    getEnv("HPC_DEFAULT_IMAGE", ""),
		DefaultPriority: getEnvAsInt("HPC_DEFAULT_PRIORITY", 8),
		DefaultShmGB:    getEnvAsInt("HPC_DEFAULT_SHM", 200),
		WorkspaceID:     getEnv("HPC_WORKSPACE_ID", ""),
		ProjectID:       getEnv("HPC_PROJECT_ID", ""),

		CacheDir:         cacheDir,
		PollInterval:     getEnvAsDuration("HPC_POLL_INTERVAL", 10*time.Second),
		UnreachableGrace: getEnvAsDuration("HPC_UNREACHABLE_GRACE", 2*time.Minute),
		RetryBase:        getEnvAsDuration("HPC_RETRY_BASE", 2*time.Second),
		RetryMax:         getEnvAsDuration("HPC_RETRY_MAX", time.Minute),
		RetryCount:       getEnvAsInt("HPC_RETRY_COUNT", 5),
		Parallelism:      getEnvAsInt("HPC_PARALLELISM", 4),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		MonitorInterval: getEnvAsDuration("HPC_MONITOR_INTERVAL", 30*time.Second),
		LogLevel:        getEnv("HPC_LOG_LEVEL", "info"),
	}

	cfg.ConfigFile = getEnv("HPC_CONFIG_FILE", "")
	if cfg.ConfigFile == "" {
		candidate := filepath.Join(cacheDir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			cfg.ConfigFile = candidate
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.ComputeGroups = fc.ComputeGroups
	c.KnownGroupsOnly = fc.KnownGroupsOnly
	c.Bridges = fc.Bridges
	c.DefaultBridge = fc.DefaultBridge
	c.Tunnel = fc.Tunnel
	if len(c.BridgeDenylist) == 0 {
		c.BridgeDenylist = fc.Denylist
	}
	return nil
}

func (c Config) validate() error {
	switch bridge.Platform(c.BridgePlatform) {
	case bridge.PlatformGitea, bridge.PlatformGitHub:
	default:
		return fmt.Errorf("BRIDGE_PLATFORM must be gitea or github, got %q", c.BridgePlatform)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid HPC_LOG_LEVEL: %w", err)
	}
	if c.RetryCount < 0 || c.Parallelism < 1 {
		return errors.New("HPC_RETRY_COUNT must be >= 0 and HPC_PARALLELISM >= 1")
	}
	switch executor.Daemon(c.Tunnel.Daemon) {
	case "", executor.DaemonDropbear, executor.DaemonSSHD:
	default:
		return fmt.Errorf("tunnel daemon must be dropbear or sshd, got %q", c.Tunnel.Daemon)
	}
	seen := map[string]bool{}
	for _, p := range c.Bridges {
		if p.Name == "" || p.ProxyURL == "" {
			return errors.New("every bridge profile needs a name and a proxy_url")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate bridge profile %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.DefaultBridge != "" && !seen[c.DefaultBridge] {
		return fmt.Errorf("default_bridge %q is not a configured bridge", c.DefaultBridge)
	}
	return nil
}

// ApplyLogging sets the logrus level
func (c Config) ApplyLogging() {
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
}

// ForgeConfig returns the bridge client settings
func (c Config) ForgeConfig() bridge.ForgeConfig {
	return bridge.ForgeConfig{
		Platform:  bridge.Platform(c.BridgePlatform),
		Server:    c.BridgeServer,
		Repo:      c.BridgeRepo,
		Token:     c.BridgeToken,
		Workflow:  c.BridgeWorkflow,
		Ref:       c.BridgeRef,
		TargetDir: c.TargetDir,
		Denylist:  c.BridgeDenylist,
	}
}

// ControllerOptions returns the lifecycle controller settings
func (c Config) ControllerOptions() monitoring.Options {
	return monitoring.Options{
		PollInterval:     c.PollInterval,
		UnreachableGrace: c.UnreachableGrace,
		Retry: backoff.Policy{
			Base:       c.RetryBase,
			Max:        c.RetryMax,
			MaxRetries: c.RetryCount,
			Jitter:     backoff.DefaultPolicy().Jitter,
		},
		Parallelism: c.Parallelism,
		Defaults: spec.Defaults{
			Priority:    c.DefaultPriority,
			Image:       c.DefaultImage,
			ShmGB:       c.DefaultShmGB,
			WorkspaceID: c.WorkspaceID,
			ProjectID:   c.ProjectID,
		},
	}
}

// TunnelConfig returns the bootstrap settings; authorizedKey overrides the file value when set
func (c Config) TunnelConfig(authorizedKey string) executor.TunnelConfig {
	t := c.Tunnel
	if authorizedKey == "" {
		authorizedKey = t.AuthorizedKey
	}
	return executor.TunnelConfig{
		Daemon:              executor.Daemon(t.Daemon),
		SSHPort:             t.SSHPort,
		TunnelPort:          t.TunnelPort,
		DebCacheDir:         t.DebCacheDir,
		AllowPackageManager: t.AllowPackageManager,
		RTunnelBin:          t.RTunnelBin,
		HostKeyDir:          t.HostKeyDir,
		AuthorizedKey:       authorizedKey,
		AuthorizedKeysFile:  t.AuthorizedKeysFile,
		LogDir:              t.LogDir,
	}
}

// Bridge returns the named bridge profile, or the default one when name is empty
func (c Config) Bridge(name string) (executor.BridgeProfile, error) {
	if name == "" {
		name = c.DefaultBridge
	}
	if name == "" && len(c.Bridges) == 1 {
		return c.Bridges[0].WithDefaults(), nil
	}
	for _, p := range c.Bridges {
		if p.Name == name {
			return p.WithDefaults(), nil
		}
	}
	if name == "" {
		return executor.BridgeProfile{}, errors.New("no bridge profile selected and no default_bridge configured")
	}
	return executor.BridgeProfile{}, fmt.Errorf("unknown bridge profile %q", name)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s", "2m") or plain seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	logrus.Warnf("Ignoring invalid %s=%q", key, raw)
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
