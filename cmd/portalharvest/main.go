package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/config"
	"github.com/RecoveryAshes/portalharvest/internal/core"
	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/store"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string

	// HTTP头部参数
	headers []string

	// 运行参数
	maxSessions     int
	acquireTimeout  time.Duration
	driver          string
	headless        bool
	parallel        bool
	targetsFile     string
	metricsTextfile string
	reportDir       string

	// 加载后的配置, 由 PersistentPreRunE 填充
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "portalharvest",
	Short: "门户目录采集引擎",
	Long: `PortalHarvest - 将第三方门户的商品列表采集为本地目录

通过有界的浏览器会话池驱动门户页面, 针对每个子目标(网络/州):
  • 定位入口控件并触发
  • 等待内容稳定后按策略链提取记录
  • 按倍率计算零售价/分销价
  • 以 (目录域, 自然键) 幂等写入目录存储

示例:
  # 采集流量套餐
  portalharvest run data_bundles

  # 使用静态驱动并发采集学校目录
  portalharvest run schools --driver static --parallel

  # 查看目录
  portalharvest catalog list data_bundles:mtn

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 加载配置
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 初始化日志系统
		logConfig := utils.LogConfig{
			Level:      cfg.Logging.Level,
			LogDir:     cfg.Logging.LogDir,
			MaxSize:    cfg.Logging.Rotation.MaxSize,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAge:     cfg.Logging.Rotation.MaxAge,
			Compress:   cfg.Logging.Rotation.Compress,
		}

		// 命令行参数覆盖配置文件
		if logLevel != "" {
			logConfig.Level = logLevel
		}
		if verbose {
			logConfig.Level = "debug"
		}

		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		appConfig = cfg
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <portal>",
	Short: "采集一个门户的全部子目标",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		portalName := args[0]

		if err := ValidateRunFlags(maxSessions, acquireTimeout, driver); err != nil {
			return err
		}

		resolvedHeadless := appConfig.Pool.Headless
		if cmd.Flags().Changed("headless") {
			resolvedHeadless = headless
		}
		appConfig.MergeCLIFlags(maxSessions, acquireTimeout, driver, resolvedHeadless)
		if reportDir != "" {
			appConfig.Output.ReportDir = reportDir
		}

		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置验证失败: %w", err)
		}

		portal, err := resolvePortal(appConfig, portalName, parallel, targetsFile)
		if err != nil {
			return err
		}

		// 设置信号处理(Ctrl+C优雅退出): 取消上下文, 当前子目标结束后停止
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runPortal(ctx, portal)
	},
}

// resolvePortal 取出门户配置并叠加 --parallel 与 --targets-file
func resolvePortal(cfg *config.Config, name string, parallel bool, targetsFile string) (models.PortalConfig, error) {
	portal, err := cfg.Portal(name)
	if err != nil {
		return models.PortalConfig{}, err
	}
	portal.Parallel = portal.Parallel || parallel
	if targetsFile != "" {
		targets, err := utils.ReadSubTargetsFromFile(targetsFile)
		if err != nil {
			return models.PortalConfig{}, err
		}
		portal.SubTargets = targets
	}
	return portal, nil
}

// runPortal 组装会话池/存储/协调器并执行一次运行
func runPortal(ctx context.Context, portal models.PortalConfig) error {
	cfg := appConfig

	headerManager, err := core.NewHeaderManager(cfg.Browser, headers)
	if err != nil {
		return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	if err := headerManager.Validate(); err != nil {
		return fmt.Errorf("HTTP头部验证失败: %w", err)
	}
	utils.Debugf("当前有效的HTTP头部: %v", headerManager.GetSafeHeaders())

	factory := newDriverFactory(cfg, headerManager)

	metrics := core.NewMetrics()
	poolOpts := []crawlers.PoolOption{crawlers.WithObserver(metrics)}
	if cfg.Resource.Enabled {
		monitor := crawlers.NewResourceMonitor(crawlers.ResourceMonitorConfig{
			SafetyReserveMemory: cfg.Resource.SafetyReserveMemory * 1024 * 1024,
			SafetyThreshold:     cfg.Resource.SafetyThreshold * 1024 * 1024,
			CPULoadThreshold:    cfg.Resource.CPULoadThreshold,
			MaxSessionsLimit:    cfg.Pool.MaxSessions,
			SessionMemoryUsage:  cfg.Resource.SessionMemory * 1024 * 1024,
		})
		if summary, ok := monitor.Describe(); ok {
			utils.Infof("📈 %s", summary)
		} else {
			utils.Warnf("⚠️  %s, 会话池将降为单会话", summary)
		}
		monitor.StartMonitoring(2 * time.Second)
		defer monitor.StopMonitoring()
		poolOpts = append(poolOpts, crawlers.WithCapacityLimiter(monitor))
	}

	pool, err := crawlers.NewSessionPool(factory, crawlers.PoolConfig{
		MaxSessions:      cfg.Pool.MaxSessions,
		ProbeTimeout:     cfg.Pool.ProbeTimeout,
		MaxResetFailures: cfg.Pool.MaxResetFailures,
	}, poolOpts...)
	if err != nil {
		return fmt.Errorf("创建会话池失败: %w", err)
	}
	defer func() {
		if err := pool.Shutdown(); err != nil {
			utils.Warnf("关闭会话池失败: %v", err)
		}
	}()

	catalog, err := openCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer catalog.Close()

	pricer, err := core.NewPricer(cfg.Pricing)
	if err != nil {
		return err
	}

	bar := utils.NewProgressBar(len(portal.SubTargets), "🔄 "+portal.Name)
	coordinator, err := core.NewCoordinator(pool, catalog, pricer, cfg.Timeouts, cfg.Pool.AcquireTimeout,
		core.WithMetrics(metrics),
		core.WithResultHook(func(models.SubTargetResult) { _ = bar.Add(1) }),
	)
	if err != nil {
		return fmt.Errorf("创建协调器失败: %w", err)
	}

	utils.Debugf("驱动: %s, 会话上限: %d", cfg.Pool.Driver, cfg.Pool.MaxSessions)

	summary, runErr := coordinator.RunAll(ctx, portal)
	_ = bar.Finish()

	if summary != nil {
		if _, err := utils.NewReporter(cfg.Output.ReportDir).GenerateReport(summary); err != nil {
			utils.Warnf("生成报告失败: %v", err)
		}
	}

	if metricsTextfile != "" {
		if err := metrics.WriteToTextfile(metricsTextfile); err != nil {
			utils.Warnf("写入指标文件失败: %v", err)
		}
	}

	stats := pool.Stats()
	utils.Debugf("会话池状态: 空闲=%d, 借出=%d", stats.Idle, stats.CheckedOut)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			utils.Warn("运行已被中断, 已完成的子目标已写入目录")
		}
		return fmt.Errorf("运行失败: %w", runErr)
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d/%d 个子目标失败", summary.Failed, summary.Attempted)
	}

	utils.Info("✨ 采集任务完成!")
	return nil
}

// newDriverFactory 按配置选择动态或静态驱动
func newDriverFactory(cfg *config.Config, headerManager *core.HeaderManager) crawlers.DriverFactory {
	if cfg.Pool.Driver == models.DriverStatic {
		return crawlers.NewStaticFactory(crawlers.StaticConfig{
			RequestTimeout: cfg.Timeouts.Navigation,
			UserAgent:      cfg.Browser.UserAgent,
		}, headerManager)
	}
	return crawlers.NewRodFactory(crawlers.RodConfig{
		Headless:          cfg.Pool.Headless,
		NoSandbox:         cfg.Pool.NoSandbox,
		BrowserBin:        cfg.Pool.BrowserBin,
		NavigationTimeout: cfg.Timeouts.Navigation,
		PollInterval:      cfg.Timeouts.PollInterval,
		UserAgent:         cfg.Browser.UserAgent,
	}, headerManager)
}

// openCatalog 打开目录存储, 执行迁移并包一层读缓存
func openCatalog(ctx context.Context, cfg *config.Config) (store.Store, error) {
	utils.Debugf("打开目录存储: %s %s", cfg.Database.Driver, utils.RedactDSN(cfg.Database.DSN))

	inner, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("打开目录存储失败: %w", err)
	}
	if err := inner.Migrate(ctx); err != nil {
		inner.Close()
		return nil, fmt.Errorf("初始化目录表失败: %w", err)
	}
	return store.NewCached(inner, cfg.Cache.Size, cfg.Cache.TTL), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	// 不需要加载配置
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("PortalHarvest %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")

	// 运行参数
	runCmd.Flags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	runCmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "会话池上限 (覆盖配置)")
	runCmd.Flags().DurationVar(&acquireTimeout, "acquire-timeout", 0, "获取会话的最长等待时间 (覆盖配置)")
	runCmd.Flags().StringVar(&driver, "driver", "", "会话驱动 (dynamic|static)")
	runCmd.Flags().BoolVar(&headless, "headless", true, "无头浏览器模式")
	runCmd.Flags().BoolVar(&parallel, "parallel", false, "并行处理子目标")
	runCmd.Flags().StringVarP(&targetsFile, "targets-file", "f", "", "子目标列表文件, 覆盖配置中的 sub_targets")
	runCmd.Flags().StringVar(&metricsTextfile, "metrics-textfile", "", "运行结束后写入Prometheus文本格式指标的路径")
	runCmd.Flags().StringVarP(&reportDir, "output", "o", "", "运行报告目录 (覆盖配置)")

	// 添加子命令
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
