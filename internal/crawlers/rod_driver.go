package crawlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodConfig 动态驱动配置
type RodConfig struct {
	Headless          bool
	NoSandbox         bool
	BrowserBin        string // 为空时由launcher自动下载/查找
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	UserAgent         string
}

// RodFactory 每个会话启动一个独立的Chromium进程
type RodFactory struct {
	config  RodConfig
	headers models.HeaderProvider
}

// NewRodFactory 创建动态驱动工厂
func NewRodFactory(config RodConfig, headers models.HeaderProvider) *RodFactory {
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.NavigationTimeout <= 0 {
		config.NavigationTimeout = 45 * time.Second
	}
	return &RodFactory{config: config, headers: headers}
}

// NewDriver 启动浏览器并打开一个空白标签页
func (f *RodFactory) NewDriver(ctx context.Context) (Driver, error) {
	l := launcher.New().
		Context(ctx).
		Headless(f.config.Headless).
		NoSandbox(f.config.NoSandbox).
		Set("ignore-certificate-errors")
	if f.config.BrowserBin != "" {
		l = l.Bin(f.config.BrowserBin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("创建标签页失败: %w", err)
	}

	d := &rodDriver{launcher: l, browser: browser, config: f.config}
	d.page = &rodPage{page: page, config: f.config}

	if err := d.applyHeaders(f.headers); err != nil {
		_ = d.Close()
		return nil, err
	}

	utils.Debugf("浏览器已启动: %s", controlURL)
	return d, nil
}

type rodDriver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rodPage
	config   RodConfig
}

func (d *rodDriver) applyHeaders(provider models.HeaderProvider) error {
	if d.config.UserAgent != "" {
		if err := d.page.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: d.config.UserAgent}); err != nil {
			return fmt.Errorf("设置User-Agent失败: %w", err)
		}
	}
	if provider == nil {
		return nil
	}
	headers, err := provider.GetHeaders()
	if err != nil {
		return fmt.Errorf("获取会话请求头失败: %w", err)
	}
	dict := make([]string, 0, len(headers)*2)
	for name, values := range headers {
		// User-Agent 已通过覆盖设置
		if strings.EqualFold(name, "User-Agent") || len(values) == 0 {
			continue
		}
		dict = append(dict, name, values[0])
	}
	if len(dict) == 0 {
		return nil
	}
	if _, err := d.page.page.SetExtraHeaders(dict); err != nil {
		return fmt.Errorf("设置请求头失败: %w", err)
	}
	return nil
}

func (d *rodDriver) Page() Page { return d.page }

// Ping 浏览器版本查询作为存活探测
func (d *rodDriver) Ping(ctx context.Context) error {
	if _, err := d.browser.Context(ctx).Version(); err != nil {
		return fmt.Errorf("浏览器无响应: %w", classifyRodError(err))
	}
	if _, err := d.page.page.Context(ctx).Info(); err != nil {
		return fmt.Errorf("标签页无响应: %w", classifyRodError(err))
	}
	return nil
}

// Reset 清理localStorage/sessionStorage/cookie, 回到 about:blank
func (d *rodDriver) Reset(ctx context.Context) error {
	p := d.page.page.Context(ctx)

	_, err := p.Evaluate(&rod.EvalOptions{
		JS: `() => {
			try { if (window.localStorage) localStorage.clear(); } catch (e) {}
			try { if (window.sessionStorage) sessionStorage.clear(); } catch (e) {}
			return true;
		}`,
	})
	if err != nil {
		return fmt.Errorf("清理页面存储失败: %w", classifyRodError(err))
	}

	if err := (proto.NetworkClearBrowserCookies{}).Call(p); err != nil {
		return fmt.Errorf("清理cookie失败: %w", classifyRodError(err))
	}

	if err := p.Navigate("about:blank"); err != nil {
		return fmt.Errorf("重置页面失败: %w", classifyRodError(err))
	}
	return nil
}

func (d *rodDriver) Close() error {
	var firstErr error
	if d.page != nil {
		if err := d.page.page.Close(); err != nil {
			firstErr = err
		}
	}
	if err := d.browser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.launcher.Kill()
	d.launcher.Cleanup()
	return firstErr
}

// closedMarkers CDP连接断开或标签页被销毁时的错误文本
var closedMarkers = []string{
	"use of closed network connection",
	"broken pipe",
	"connection reset by peer",
	"websocket: close",
	"target closed",
	"session closed",
	"no target with given id",
}

// classifyRodError 把浏览器进程退出/连接断开的错误归入 ErrDriverClosed,
// 让会话池销毁该会话而不是放回空闲队列
func classifyRodError(err error) error {
	if err == nil || errors.Is(err, ErrDriverClosed) {
		return err
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, cdp.ErrSessionNotFound),
		errors.Is(err, cdp.ErrNotAttachedToActivePage):
		return fmt.Errorf("%w: %w", ErrDriverClosed, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range closedMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %w", ErrDriverClosed, err)
		}
	}
	return err
}

type rodPage struct {
	page   *rod.Page
	config RodConfig
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx).Timeout(p.config.NavigationTimeout)
	defer page.CancelTimeout()

	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("导航失败 [%s]: %w", url, classifyRodError(err))
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("等待页面加载失败 [%s]: %w", url, classifyRodError(err))
	}
	return nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Elements(ctx context.Context, selector string) ([]Element, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("查询元素失败 [%s]: %w", selector, classifyRodError(err))
	}
	result := make([]Element, 0, len(els))
	for _, el := range els {
		result = append(result, &rodElement{el: el})
	}
	return result, nil
}

// WaitFor 轮询直到任一选择器出现或超时
func (p *rodPage) WaitFor(ctx context.Context, selectors []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	page := p.page.Context(ctx)
	for {
		for _, sel := range selectors {
			if has, _, err := page.Has(sel); err == nil && has {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSettleTimeout, selectors)
		case <-ticker.C:
		}
	}
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text() (string, error) {
	text, err := e.el.Text()
	if err != nil {
		return "", classifyRodError(err)
	}
	return text, nil
}

func (e *rodElement) Attributes() (map[string]string, error) {
	node, err := e.el.Describe(0, false)
	if err != nil {
		return nil, fmt.Errorf("读取元素属性失败: %w", classifyRodError(err))
	}
	attrs := make(map[string]string, len(node.Attributes)/2)
	for i := 0; i+1 < len(node.Attributes); i += 2 {
		attrs[strings.ToLower(node.Attributes[i])] = node.Attributes[i+1]
	}
	return attrs, nil
}

func (e *rodElement) Click(ctx context.Context) error {
	el := e.el.Context(ctx)

	node, err := el.Describe(0, false)
	if err != nil {
		return fmt.Errorf("读取元素失败: %w", classifyRodError(err))
	}

	if strings.EqualFold(node.LocalName, "option") {
		_, err := el.Eval(`() => {
			const sel = this.closest('select');
			if (!sel) { this.selected = true; return; }
			sel.value = this.value;
			sel.dispatchEvent(new Event('input', { bubbles: true }));
			sel.dispatchEvent(new Event('change', { bubbles: true }));
		}`)
		if err != nil {
			return fmt.Errorf("选择选项失败: %w", classifyRodError(err))
		}
		return nil
	}

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		// 元素不可见或被遮挡时退回到脚本点击
		if _, evalErr := el.Eval(`() => this.click()`); evalErr != nil {
			return fmt.Errorf("点击元素失败: %w", classifyRodError(evalErr))
		}
	}
	return nil
}
