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

// 部署模式。
const (
	DeployService = "service"
	DeployExtract = "extract"
)

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	WebRoot        string `yaml:"web_root"`
	ResourceDir    string `yaml:"resource_dir"`
	StagingName    string `yaml:"staging_name"`
	PrimaryArchive string `yaml:"primary_archive"`
	RotatedArchive string `yaml:"rotated_archive"`
	AssetDir       string `yaml:"asset_dir"`
	AssetName      string `yaml:"asset_name"`
	ScriptName     string `yaml:"script_name"`
	EntryHTML      string `yaml:"entry_html"`
	DeployMode     string `yaml:"deploy_mode"`

	RestartCommand string        `yaml:"restart_command"`
	RestartTimeout time.Duration `yaml:"restart_timeout"`
	DispatchDelay  time.Duration `yaml:"dispatch_delay"`

	DataDir         string        `yaml:"data_dir"`
	HistoryDB       string        `yaml:"history_db"`
	SessionKey      []byte        `yaml:"-"`
	SessionLifetime time.Duration `yaml:"session_lifetime"`
	SessionSweep    time.Duration `yaml:"session_sweep"`
	RequireAuth     bool          `yaml:"require_auth"`
	LogTimeZone     string        `yaml:"log_time_zone"`
}

// Default 返回飞牛 fnOS 设备上的默认配置。
func Default() *Config {
	return &Config{
		Addr:            ":15778",
		LogLevel:        "info",
		WebRoot:         "/usr/trim/www",
		ResourceDir:     "/usr/trim/share/.restore",
		StagingName:     "fncs-tow",
		PrimaryArchive:  "www.zip",
		RotatedArchive:  "www.bak",
		AssetDir:        "/var/apps/fn.shortcut/target/server/filedata",
		AssetName:       "filedata",
		ScriptName:      "FileManagerEnhancer.js",
		EntryHTML:       "index.html",
		DeployMode:      DeployService,
		RestartCommand:  "systemctl restart trim_nginx",
		RestartTimeout:  2 * time.Minute,
		DispatchDelay:   100 * time.Millisecond,
		DataDir:         "/var/apps/fn.shortcut/var",
		SessionLifetime: 24 * time.Hour,
		SessionSweep:    time.Hour,
		RequireAuth:     true,
		LogTimeZone:     "Asia/Shanghai",
	}
}

// Load 依次叠加默认值、可选的 YAML 文件（FNSC_CONFIG）与环境变量。
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom 与 Load 相同，path 非空时优先于 FNSC_CONFIG。
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = getenv("FNSC_CONFIG", "")
	}
	if path != "" {
		if err := cfg.MergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeFile 读取 YAML 配置文件并覆盖其中出现的字段。
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("FNSC_HTTP_ADDR", c.Addr)
	c.LogLevel = getenv("FNSC_LOG_LEVEL", c.LogLevel)
	c.WebRoot = getenv("FNSC_WEB_ROOT", c.WebRoot)
	c.ResourceDir = getenv("FNSC_RESOURCE_DIR", c.ResourceDir)
	c.AssetDir = getenv("FNSC_ASSET_DIR", c.AssetDir)
	c.DeployMode = getenv("FNSC_DEPLOY_MODE", c.DeployMode)
	c.RestartCommand = getenv("FNSC_RESTART_COMMAND", c.RestartCommand)
	c.RestartTimeout = durationEnv("FNSC_RESTART_TIMEOUT", c.RestartTimeout)
	c.DispatchDelay = durationEnv("FNSC_DISPATCH_DELAY", c.DispatchDelay)
	c.DataDir = getenv("FNSC_DATA_DIR", c.DataDir)
	c.HistoryDB = getenv("FNSC_HISTORY_DB", c.HistoryDB)
	c.SessionLifetime = durationEnv("FNSC_SESSION_LIFETIME", c.SessionLifetime)
	c.SessionSweep = durationEnv("FNSC_SESSION_SWEEP", c.SessionSweep)
	c.RequireAuth = boolEnv("FNSC_REQUIRE_AUTH", c.RequireAuth)
	c.LogTimeZone = getenv("FNSC_LOG_TZ", c.LogTimeZone)
	if key := getenv("FNSC_SESSION_KEY", ""); key != "" {
		c.SessionKey = []byte(key)
	}
}

// Validate 检查配置的一致性。
func (c *Config) Validate() error {
	if c.WebRoot == "" || c.ResourceDir == "" {
		return fmt.Errorf("web root and resource dir must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	for _, name := range []string{c.StagingName, c.PrimaryArchive, c.RotatedArchive, c.AssetName, c.ScriptName, c.EntryHTML} {
		if name == "" || strings.ContainsRune(name, filepath.Separator) {
			return fmt.Errorf("invalid file name %q", name)
		}
	}
	if c.PrimaryArchive == c.RotatedArchive {
		return fmt.Errorf("primary and rotated archive must differ")
	}
	if c.DeployMode != DeployService && c.DeployMode != DeployExtract {
		return fmt.Errorf("unknown deploy mode %q", c.DeployMode)
	}
	if c.SessionLifetime <= 0 {
		return fmt.Errorf("session lifetime must be positive")
	}
	if len(c.SessionKey) > 0 && len(c.SessionKey) < 32 {
		return fmt.Errorf("session key must be at least 32 bytes, got %d", len(c.SessionKey))
	}
	return nil
}

// StagingDir 返回暂存目录的完整路径。
func (c *Config) StagingDir() string { return filepath.Join(c.ResourceDir, c.StagingName) }

// CredentialPath 返回密码文件路径。
func (c *Config) CredentialPath() string { return filepath.Join(c.DataDir, "password.json") }

// HistoryPath 返回任务历史数据库路径。
func (c *Config) HistoryPath() string {
	if c.HistoryDB != "" {
		return c.HistoryDB
	}
	return filepath.Join(c.DataDir, "history.db")
}

// Location 返回日志时间戳使用的时区，无法加载时退回本地时区。
func (c *Config) Location() *time.Location {
	if c.LogTimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.LogTimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
