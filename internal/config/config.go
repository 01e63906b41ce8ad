// Package config provides configuration for the orchestrator.
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

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	// Storage
	StateDir    string `yaml:"stateDir"`
	ProfilesDir string `yaml:"profilesDir"`
	DatabaseURL string `yaml:"databaseURL"`

	// Child instances
	BridgeBinary      string   `yaml:"bridgeBinary"`
	BridgeArgs        []string `yaml:"bridgeArgs"`
	ChildAuthToken    string   `yaml:"childAuthToken"`
	InstancePortStart int      `yaml:"instancePortStart"`
	InstancePortEnd   int      `yaml:"instancePortEnd"`
	LogBufferBytes    int      `yaml:"logBufferBytes"`
	PolicyFile        string   `yaml:"policyFile"`

	// Lifecycle timing
	HealthPollInterval time.Duration `yaml:"healthPollInterval"`
	StartupTimeout     time.Duration `yaml:"startupTimeout"`
	StopGracePeriod    time.Duration `yaml:"stopGracePeriod"`
	TermGracePeriod    time.Duration `yaml:"termGracePeriod"`
	KillGracePeriod    time.Duration `yaml:"killGracePeriod"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`

	// Background monitors
	TabPollInterval     time.Duration `yaml:"tabPollInterval"`
	SizeRefreshInterval time.Duration `yaml:"sizeRefreshInterval"`
	TerminalRetention   time.Duration `yaml:"terminalRetention"`
	ChildEventsRetry    time.Duration `yaml:"childEventsRetry"`

	// Event bus and agent activity
	SSEBufferSize          int           `yaml:"sseBufferSize"`
	SSEKeepAlive           time.Duration `yaml:"sseKeepAlive"`
	ActivityBufferSize     int           `yaml:"activityBufferSize"`
	ActionHistoryLimit     int           `yaml:"actionHistoryLimit"`
	AgentIdleTimeout       time.Duration `yaml:"agentIdleTimeout"`
	AgentDisconnectTimeout time.Duration `yaml:"agentDisconnectTimeout"`
	ReaperInterval         time.Duration `yaml:"reaperInterval"`

	// Screencast relay
	RelayFrameBuffer int           `yaml:"relayFrameBuffer"`
	RelayPingPeriod  time.Duration `yaml:"relayPingPeriod"`
	RelayWriteWait   time.Duration `yaml:"relayWriteWait"`

	// Auto-launch of a default instance at startup
	AutoLaunch     bool   `yaml:"autoLaunch"`
	DefaultProfile string `yaml:"defaultProfile"`
	DefaultPort    string `yaml:"defaultPort"`
	DefaultHeaded  bool   `yaml:"defaultHeaded"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Default returns the built-in configuration.
func Default() *Config {
	stateDir := filepath.Join(homeDir(), ".pinchtab")
	return &Config{
		Bind:                   "127.0.0.1",
		Port:                   9867,
		StateDir:               stateDir,
		BridgeBinary:           "pinchtab-bridge",
		InstancePortStart:      9868,
		InstancePortEnd:        9968,
		LogBufferBytes:         64 * 1024,
		HealthPollInterval:     500 * time.Millisecond,
		StartupTimeout:         45 * time.Second,
		StopGracePeriod:        5 * time.Second,
		TermGracePeriod:        3 * time.Second,
		KillGracePeriod:        2 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		TabPollInterval:        5 * time.Second,
		SizeRefreshInterval:    time.Minute,
		TerminalRetention:      10 * time.Minute,
		ChildEventsRetry:       5 * time.Second,
		SSEBufferSize:          64,
		SSEKeepAlive:           30 * time.Second,
		ActivityBufferSize:     1000,
		ActionHistoryLimit:     1000,
		AgentIdleTimeout:       30 * time.Second,
		AgentDisconnectTimeout: 5 * time.Minute,
		ReaperInterval:         10 * time.Second,
		RelayFrameBuffer:       4,
		RelayPingPeriod:        30 * time.Second,
		RelayWriteWait:         10 * time.Second,
		DefaultProfile:         "default",
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("PINCHTAB_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Bind = getEnv("PINCHTAB_BIND", c.Bind)
	c.Port = getEnvInt("PINCHTAB_PORT", c.Port)
	c.StateDir = getEnv("PINCHTAB_STATE_DIR", c.StateDir)
	c.ProfilesDir = getEnv("PINCHTAB_PROFILES_DIR", c.ProfilesDir)
	c.DatabaseURL = getEnv("PINCHTAB_DATABASE_URL", c.DatabaseURL)
	c.BridgeBinary = getEnv("PINCHTAB_BRIDGE_BINARY", c.BridgeBinary)
	if args := os.Getenv("PINCHTAB_BRIDGE_ARGS"); args != "" {
		c.BridgeArgs = strings.Fields(args)
	}
	c.ChildAuthToken = getEnv("BRIDGE_TOKEN", c.ChildAuthToken)
	c.InstancePortStart = getEnvInt("PINCHTAB_INSTANCE_PORT_START", c.InstancePortStart)
	c.InstancePortEnd = getEnvInt("PINCHTAB_INSTANCE_PORT_END", c.InstancePortEnd)
	c.PolicyFile = getEnv("PINCHTAB_POLICY_FILE", c.PolicyFile)
	c.StartupTimeout = getEnvDuration("PINCHTAB_STARTUP_TIMEOUT", c.StartupTimeout)
	c.StopGracePeriod = getEnvDuration("PINCHTAB_STOP_GRACE", c.StopGracePeriod)
	c.TabPollInterval = getEnvDuration("PINCHTAB_TAB_POLL_INTERVAL", c.TabPollInterval)
	c.AutoLaunch = getEnvBool("PINCHTAB_AUTO_LAUNCH", c.AutoLaunch)
	c.DefaultProfile = getEnv("PINCHTAB_DEFAULT_PROFILE", c.DefaultProfile)
	c.DefaultPort = getEnv("PINCHTAB_DEFAULT_PORT", c.DefaultPort)
	c.DefaultHeaded = getEnvBool("PINCHTAB_HEADED", c.DefaultHeaded)
	c.LogLevel = getEnv("PINCHTAB_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("PINCHTAB_LOG_FORMAT", c.LogFormat)
}

func (c *Config) fillDerived() {
	if c.ProfilesDir == "" {
		c.ProfilesDir = filepath.Join(c.StateDir, "profiles")
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = "file:" + filepath.Join(c.StateDir, "orchestrator.db") + "?cache=shared&mode=rwc"
	}
}

// Validate checks the configuration for values the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.InstancePortStart <= 0 || c.InstancePortEnd < c.InstancePortStart || c.InstancePortEnd > 65535 {
		return fmt.Errorf("invalid instance port range %d-%d", c.InstancePortStart, c.InstancePortEnd)
	}
	if c.LogBufferBytes <= 0 {
		return fmt.Errorf("logBufferBytes must be positive")
	}
	if c.SSEBufferSize <= 0 {
		return fmt.Errorf("sseBufferSize must be positive")
	}
	// These drive tickers, which panic on non-positive periods.
	for name, d := range map[string]time.Duration{
		"healthPollInterval":  c.HealthPollInterval,
		"tabPollInterval":     c.TabPollInterval,
		"sizeRefreshInterval": c.SizeRefreshInterval,
		"reaperInterval":      c.ReaperInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("5s") or plain milliseconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
