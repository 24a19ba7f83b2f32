// Package crawlers 提供门户抓取使用的自动化会话与会话池
//
// # 概述
//
// 每个会话(Session)包装一个驱动(Driver): 一个外部自动化进程及其活动页面。
// 驱动有两种实现, 通过 DriverFactory 注入会话池:
//
//   - RodFactory: go-rod 启动独立的 Chromium 进程, 用于脚本渲染的门户
//   - StaticFactory: colly 抓取 + goquery 解析, 用于服务端渲染的门户
//
// 上层代码只依赖 Page/Element 接口, 不关心背后是哪种驱动。
//
// # SessionPool (会话池)
//
// 会话总数(空闲 + 借出 + 创建中 + 归还中)任何时刻不超过 MaxSessions。
//
//	pool, err := NewSessionPool(factory, PoolConfig{MaxSessions: 4})
//	defer pool.Shutdown()
//
//	s, err := pool.Acquire(ctx, 30*time.Second)
//	if err != nil { /* ErrPoolExhausted / ErrPoolShuttingDown */ }
//	crashed := false
//	defer func() { pool.Release(s, crashed) }()
//
//	err = s.Page().Navigate(ctx, entryURL)
//
// 获取顺序:
//   - 有空闲会话立即借出
//   - 未达上限则懒创建
//   - 否则按FIFO排队, 超时返回 ErrPoolExhausted
//
// 归还时先做存活探测(Ping)再重置(清理存储与cookie, 回到空白页)。
// 探测失败或调用方报告崩溃则销毁会话, 名额交给下一个排队者去创建替代会话。
// 重置失败的会话标记为 degraded, 连续失败 MaxResetFailures 次后销毁。
//
// # ResourceMonitor (资源监控器)
//
// 基于 gopsutil 采样可用内存与CPU负载, 作为 CapacityLimiter 接入会话池,
// 只会降低可创建的会话数, 不会超过 MaxSessions。
//
//	monitor := NewResourceMonitor(ResourceMonitorConfig{
//	    SafetyReserveMemory: 1024 * 1024 * 1024,
//	    SafetyThreshold:     500 * 1024 * 1024,
//	    CPULoadThreshold:    90,
//	    MaxSessionsLimit:    4,
//	    SessionMemoryUsage:  200 * 1024 * 1024,
//	})
//	monitor.StartMonitoring(time.Second)
//	defer monitor.StopMonitoring()
//
//	pool, _ := NewSessionPool(factory, cfg, WithCapacityLimiter(monitor))
package crawlers
