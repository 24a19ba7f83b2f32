package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/config"
	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/store"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
	"github.com/go-rod/rod/lib/launcher"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  PortalHarvest 环境验证")
	fmt.Println("==============================================")
	fmt.Println()

	allOK := true

	fmt.Printf("✅ Go版本: %s\n", runtime.Version())
	fmt.Printf("✅ 操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// 检查配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ 配置验证失败: %v\n", err)
		allOK = false
	} else {
		fmt.Printf("✅ 配置有效, 门户: %v\n", cfg.PortalNames())
	}

	// 检查浏览器 (仅动态驱动需要)
	if cfg.Pool.Driver == models.DriverDynamic {
		if cfg.Pool.BrowserBin != "" {
			if _, err := os.Stat(cfg.Pool.BrowserBin); err == nil {
				fmt.Printf("✅ 浏览器: %s\n", cfg.Pool.BrowserBin)
			} else {
				fmt.Printf("❌ 配置的浏览器不存在: %s\n", cfg.Pool.BrowserBin)
				allOK = false
			}
		} else if bin, ok := launcher.LookPath(); ok {
			fmt.Printf("✅ 已找到Chromium: %s\n", bin)
		} else {
			fmt.Println("⚠️  未找到本地Chromium - 首次运行时将自动下载")
		}
	} else {
		fmt.Println("✅ 静态驱动无需浏览器")
	}

	// 检查系统资源
	if cfg.Resource.Enabled {
		monitor := crawlers.NewResourceMonitor(crawlers.ResourceMonitorConfig{
			SafetyReserveMemory: cfg.Resource.SafetyReserveMemory * 1024 * 1024,
			SafetyThreshold:     cfg.Resource.SafetyThreshold * 1024 * 1024,
			CPULoadThreshold:    cfg.Resource.CPULoadThreshold,
			MaxSessionsLimit:    cfg.Pool.MaxSessions,
			SessionMemoryUsage:  cfg.Resource.SessionMemory * 1024 * 1024,
		})
		if summary, ok := monitor.Describe(); ok {
			fmt.Printf("✅ %s, 可并发会话: %d\n", summary, monitor.CalculateMaxSessions())
		} else {
			fmt.Printf("⚠️  %s\n", summary)
		}
	}

	// 检查目录存储
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dsn := utils.RedactDSN(cfg.Database.DSN)
	s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		fmt.Printf("❌ 无法连接目录存储 %s: %v\n", dsn, err)
		allOK = false
	} else {
		fmt.Printf("✅ 目录存储可用: %s %s\n", cfg.Database.Driver, dsn)
		s.Close()
	}

	// 检查输出目录
	for _, dir := range []string{cfg.Logging.LogDir, cfg.Output.ReportDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Printf("❌ 无法创建目录 %s: %v\n", dir, err)
			allOK = false
		} else {
			fmt.Printf("✅ %s/\n", dir)
		}
	}

	fmt.Println()
	fmt.Println("==============================================")
	if allOK {
		fmt.Println("✅ 环境验证通过!")
		fmt.Println()
		fmt.Println("下一步:")
		fmt.Println("  1. 运行 'portalharvest migrate' 初始化目录表")
		fmt.Println("  2. 运行 'portalharvest run <portal>' 开始采集")
		os.Exit(0)
	} else {
		fmt.Println("❌ 环境验证失败,请解决上述问题。")
		os.Exit(1)
	}
}
