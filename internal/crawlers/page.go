package crawlers

import (
	"context"
	"errors"
	"time"
)

// 会话与页面错误
var (
	ErrPoolExhausted        = errors.New("会话池已耗尽")
	ErrPoolShuttingDown     = errors.New("会话池正在关闭")
	ErrSessionCrashed       = errors.New("会话崩溃")
	ErrSessionNotCheckedOut = errors.New("会话未被借出")
	ErrSettleTimeout        = errors.New("等待页面内容超时")
	ErrDriverClosed         = errors.New("驱动已关闭")
)

// Element 页面元素
type Element interface {
	// Text 可见文本
	Text() (string, error)
	// Attributes 全部属性, 键为小写属性名
	Attributes() (map[string]string, error)
	// Click 点击元素; 对 <option> 为选中并触发 change 事件
	Click(ctx context.Context) error
}

// Page 会话当前活动页面
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL() string
	// Elements 按CSS选择器查询, 无匹配时返回空切片
	Elements(ctx context.Context, selector string) ([]Element, error)
	// WaitFor 等待任一选择器出现, 超时返回 ErrSettleTimeout
	WaitFor(ctx context.Context, selectors []string, timeout time.Duration) error
}

// Driver 一个自动化进程及其活动页面
type Driver interface {
	Page() Page
	// Ping 存活探测
	Ping(ctx context.Context) error
	// Reset 清理存储与cookie并回到空白页
	Reset(ctx context.Context) error
	Close() error
}

// DriverFactory 创建驱动
type DriverFactory interface {
	NewDriver(ctx context.Context) (Driver, error)
}

// Attr 读取单个属性
func Attr(el Element, name string) (string, bool) {
	attrs, err := el.Attributes()
	if err != nil {
		return "", false
	}
	v, ok := attrs[name]
	return v, ok
}
