package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Pool     PoolConfig                     `mapstructure:"pool"`
	Resource ResourceConfig                 `mapstructure:"resource"`
	Timeouts models.TimeoutConfig           `mapstructure:"timeouts"`
	Pricing  models.PricingConfig           `mapstructure:"pricing"`
	Browser  BrowserConfig                  `mapstructure:"browser"`
	Database DatabaseConfig                 `mapstructure:"database"`
	Cache    CacheConfig                    `mapstructure:"cache"`
	Portals  map[string]models.PortalConfig `mapstructure:"portals"`
	Logging  LoggingConfig                  `mapstructure:"logging"`
	Output   OutputConfig                   `mapstructure:"output"`
}

// PoolConfig 会话池配置
type PoolConfig struct {
	MaxSessions      int               `mapstructure:"max_sessions"`
	AcquireTimeout   time.Duration     `mapstructure:"acquire_timeout"`
	ProbeTimeout     time.Duration     `mapstructure:"probe_timeout"`
	Driver           models.DriverKind `mapstructure:"driver"`
	Headless         bool              `mapstructure:"headless"`
	NoSandbox        bool              `mapstructure:"no_sandbox"`
	BrowserBin       string            `mapstructure:"browser_bin"`
	MaxResetFailures int               `mapstructure:"max_reset_failures"`
}

// ResourceConfig 系统资源限制配置 (MB / %)
type ResourceConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	SafetyReserveMemory int64   `mapstructure:"safety_reserve_memory"`
	SafetyThreshold     int64   `mapstructure:"safety_threshold"`
	CPULoadThreshold    float64 `mapstructure:"cpu_load_threshold"`
	SessionMemory       int64   `mapstructure:"session_memory"`
}

// BrowserConfig 会话请求头配置
type BrowserConfig struct {
	UserAgent string            `mapstructure:"user_agent"`
	Headers   map[string]string `mapstructure:"headers"`
}

// DatabaseConfig 目录存储配置
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CacheConfig 目录读取缓存配置
type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// OutputConfig 运行报告输出配置
type OutputConfig struct {
	ReportDir string `mapstructure:"report_dir"`
}

// LoadConfig 加载配置文件; 路径为空时搜索默认位置,找不到则使用默认值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".portalharvest"))
		}
	}

	v.SetEnvPrefix("PORTALHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &models.ConfigError{FilePath: configPath, Cause: err}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.normalizePortals()
	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.max_sessions", 4)
	v.SetDefault("pool.acquire_timeout", 30*time.Second)
	v.SetDefault("pool.probe_timeout", 5*time.Second)
	v.SetDefault("pool.driver", string(models.DriverDynamic))
	v.SetDefault("pool.headless", true)
	v.SetDefault("pool.no_sandbox", true)
	v.SetDefault("pool.browser_bin", "")
	v.SetDefault("pool.max_reset_failures", 2)

	v.SetDefault("resource.enabled", true)
	v.SetDefault("resource.safety_reserve_memory", 1024)
	v.SetDefault("resource.safety_threshold", 500)
	v.SetDefault("resource.cpu_load_threshold", 90.0)
	v.SetDefault("resource.session_memory", 200)

	v.SetDefault("timeouts.navigation", 45*time.Second)
	v.SetDefault("timeouts.settle", 10*time.Second)
	v.SetDefault("timeouts.poll_interval", 250*time.Millisecond)

	v.SetDefault("pricing.retail_multiplier", 1.4)
	v.SetDefault("pricing.reseller_multiplier", 1.2)

	v.SetDefault("browser.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:portalharvest.db")
	v.SetDefault("database.max_conns", 4)

	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("output.report_dir", "reports")
}

// normalizePortals 门户名称缺省取配置键, 占位词缺省为 select/choose
func (c *Config) normalizePortals() {
	if c.Portals == nil {
		c.Portals = make(map[string]models.PortalConfig)
	}
	for key, p := range c.Portals {
		if p.Name == "" {
			p.Name = key
		}
		if len(p.PlaceholderWords) == 0 {
			p.PlaceholderWords = []string{"select", "choose"}
		}
		c.Portals[key] = p
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions 必须 >= 1, 当前: %d", c.Pool.MaxSessions)
	}
	if c.Pool.AcquireTimeout <= 0 || c.Pool.ProbeTimeout <= 0 {
		return fmt.Errorf("pool 超时必须大于0")
	}
	if c.Pool.MaxResetFailures < 1 {
		return fmt.Errorf("pool.max_reset_failures 必须 >= 1")
	}
	switch c.Pool.Driver {
	case models.DriverDynamic, models.DriverStatic:
	default:
		return fmt.Errorf("未知的会话驱动类型: %s", c.Pool.Driver)
	}
	if err := c.Timeouts.Validate(); err != nil {
		return err
	}
	if err := c.Pricing.Validate(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("未知的数据库驱动: %s", c.Database.Driver)
	}
	for _, name := range c.PortalNames() {
		p := c.Portals[name]
		if err := p.Validate(); err != nil {
			return err
		}
		for _, t := range p.SubTargets {
			if err := utils.ValidateSubTarget(t); err != nil {
				return fmt.Errorf("门户 %s 子目标 %q 无效: %w", p.Name, t, err)
			}
		}
		selectors := append(append(append([]string{}, p.CandidateSelectors...), p.ContainerSelectors...), p.FallbackSelectors...)
		if err := utils.ValidateSelectors(p.Name, selectors); err != nil {
			return err
		}
	}
	return nil
}

// Portal 按名称取门户配置
func (c *Config) Portal(name string) (models.PortalConfig, error) {
	p, ok := c.Portals[strings.ToLower(name)]
	if !ok {
		return models.PortalConfig{}, fmt.Errorf("未配置门户: %s (可用: %s)", name, strings.Join(c.PortalNames(), ", "))
	}
	return p, nil
}

// PortalNames 已配置的门户名称(排序)
func (c *Config) PortalNames() []string {
	names := make([]string, 0, len(c.Portals))
	for name := range c.Portals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MergeCLIFlags 合并命令行参数到配置, 命令行参数优先
// 并行标志作用于单个门户, 由调用方在取出门户配置后合并
func (c *Config) MergeCLIFlags(maxSessions int, acquireTimeout time.Duration, driver string, headless bool) {
	if maxSessions > 0 {
		c.Pool.MaxSessions = maxSessions
	}
	if acquireTimeout > 0 {
		c.Pool.AcquireTimeout = acquireTimeout
	}
	if driver != "" {
		c.Pool.Driver = models.DriverKind(driver)
	}
	c.Pool.Headless = headless
}
