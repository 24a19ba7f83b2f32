package crawlers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/publicsuffix"
)

const blankURL = "about:blank"

// StaticConfig 静态驱动配置
type StaticConfig struct {
	RequestTimeout time.Duration
	UserAgent      string
	// Transport 为空时使用跳过证书验证的默认Transport
	Transport http.RoundTripper
}

// StaticFactory 基于colly抓取 + goquery解析的驱动, 用于服务端渲染的门户
type StaticFactory struct {
	config  StaticConfig
	headers models.HeaderProvider
}

// NewStaticFactory 创建静态驱动工厂
func NewStaticFactory(config StaticConfig, headers models.HeaderProvider) *StaticFactory {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.Transport == nil {
		config.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &StaticFactory{config: config, headers: headers}
}

// NewDriver 创建独立collector与cookie jar的静态会话
func (f *StaticFactory) NewDriver(ctx context.Context) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var headers http.Header
	if f.headers != nil {
		h, err := f.headers.GetHeaders()
		if err != nil {
			return nil, fmt.Errorf("获取会话请求头失败: %w", err)
		}
		headers = h
	}

	c := colly.NewCollector(colly.AllowURLRevisit())
	if f.config.UserAgent != "" {
		c.UserAgent = f.config.UserAgent
	}
	c.SetRequestTimeout(f.config.RequestTimeout)
	c.WithTransport(&decompressTransport{base: f.config.Transport})

	d := &staticDriver{collector: c}
	if err := d.resetJar(); err != nil {
		return nil, err
	}

	c.OnRequest(func(r *colly.Request) {
		for name, values := range headers {
			if len(values) > 0 {
				r.Headers.Set(name, values[0])
			}
		}
	})
	c.OnResponse(func(r *colly.Response) {
		d.lastBody = r.Body
		d.lastURL = r.Request.URL.String()
	})

	d.page = &staticPage{fetch: d.fetch, url: blankURL}
	return d, nil
}

type staticDriver struct {
	collector *colly.Collector
	page      *staticPage

	mu       sync.Mutex
	closed   bool
	lastBody []byte
	lastURL  string
}

func (d *staticDriver) resetJar() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("创建cookie jar失败: %w", err)
	}
	d.collector.SetCookieJar(jar)
	return nil
}

// fetch 同步抓取页面, 返回跳转后的最终URL
func (d *staticDriver) fetch(ctx context.Context, target string) (string, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", nil, ErrDriverClosed
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	d.lastBody, d.lastURL = nil, ""
	if err := d.collector.Visit(target); err != nil {
		return "", nil, err
	}
	if d.lastURL == "" {
		return "", nil, fmt.Errorf("未收到响应: %s", target)
	}
	utils.Debugf("静态抓取完成 [%s] %d 字节", d.lastURL, len(d.lastBody))
	return d.lastURL, d.lastBody, nil
}

func (d *staticDriver) Page() Page { return d.page }

func (d *staticDriver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	return ctx.Err()
}

func (d *staticDriver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	if err := d.resetJar(); err != nil {
		return err
	}
	d.page.load(blankURL, nil)
	return nil
}

func (d *staticDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// PageFromHTML 由HTML构造只读页面, 导航会返回错误
func PageFromHTML(pageURL, html string) (Page, error) {
	p := &staticPage{
		fetch: func(ctx context.Context, target string) (string, []byte, error) {
			return "", nil, fmt.Errorf("离线页面不支持导航: %s", target)
		},
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}
	p.url, p.doc = pageURL, doc
	return p, nil
}

type staticPage struct {
	fetch func(ctx context.Context, target string) (string, []byte, error)
	url   string
	doc   *goquery.Document
}

func (p *staticPage) load(pageURL string, doc *goquery.Document) {
	p.url, p.doc = pageURL, doc
}

func (p *staticPage) Navigate(ctx context.Context, target string) error {
	if target == blankURL {
		p.load(blankURL, nil)
		return nil
	}
	finalURL, body, err := p.fetch(ctx, target)
	if err != nil {
		return fmt.Errorf("导航失败 [%s]: %w", target, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("解析页面失败 [%s]: %w", finalURL, err)
	}
	p.load(finalURL, doc)
	return nil
}

func (p *staticPage) URL() string { return p.url }

func (p *staticPage) Elements(ctx context.Context, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.doc == nil {
		return []Element{}, nil
	}
	sel := p.doc.Find(selector)
	result := make([]Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		result = append(result, &staticElement{sel: s, page: p})
	})
	return result, nil
}

// WaitFor 静态页面内容不会变化, 只检查一次
func (p *staticPage) WaitFor(ctx context.Context, selectors []string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.doc != nil {
		for _, s := range selectors {
			if p.doc.Find(s).Length() > 0 {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrSettleTimeout, selectors)
}

type staticElement struct {
	sel  *goquery.Selection
	page *staticPage
}

func (e *staticElement) Text() (string, error) {
	return strings.Join(strings.Fields(e.sel.Text()), " "), nil
}

func (e *staticElement) Attributes() (map[string]string, error) {
	attrs := make(map[string]string)
	if len(e.sel.Nodes) == 0 {
		return attrs, nil
	}
	for _, a := range e.sel.Nodes[0].Attr {
		attrs[strings.ToLower(a.Key)] = a.Val
	}
	return attrs, nil
}

// Click 链接跟随href, 选项标记为选中, GET表单的提交按钮提交表单
func (e *staticElement) Click(ctx context.Context) error {
	switch goquery.NodeName(e.sel) {
	case "a":
		href, ok := e.sel.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return nil
		}
		target, err := e.resolve(href)
		if err != nil {
			return err
		}
		return e.page.Navigate(ctx, target)

	case "option":
		if sel := e.sel.Closest("select"); sel.Length() > 0 {
			sel.Find("option").RemoveAttr("selected")
		}
		e.sel.SetAttr("selected", "selected")
		return nil

	case "button", "input":
		typ := strings.ToLower(e.sel.AttrOr("type", "submit"))
		if typ != "submit" {
			return nil
		}
		form := e.sel.Closest("form")
		if form.Length() == 0 {
			return nil
		}
		return e.submit(ctx, form)
	}
	return nil
}

func (e *staticElement) resolve(ref string) (string, error) {
	base, err := url.Parse(e.page.url)
	if err != nil {
		return "", fmt.Errorf("当前页面URL无效: %w", err)
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("无效的链接 [%s]: %w", ref, err)
	}
	return u.String(), nil
}

func (e *staticElement) submit(ctx context.Context, form *goquery.Selection) error {
	if m := strings.ToLower(form.AttrOr("method", "get")); m != "get" {
		return fmt.Errorf("静态会话不支持 %s 表单提交", m)
	}

	values := url.Values{}
	form.Find("input[name]").Each(func(_ int, in *goquery.Selection) {
		typ := strings.ToLower(in.AttrOr("type", "text"))
		if (typ == "radio" || typ == "checkbox") && !in.Is("[checked]") {
			return
		}
		if typ == "submit" || typ == "button" {
			return
		}
		values.Add(in.AttrOr("name", ""), in.AttrOr("value", ""))
	})
	form.Find("select[name]").Each(func(_ int, s *goquery.Selection) {
		opt := s.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = s.Find("option").First()
		}
		if opt.Length() > 0 {
			values.Add(s.AttrOr("name", ""), opt.AttrOr("value", strings.TrimSpace(opt.Text())))
		}
	})
	if name, ok := e.sel.Attr("name"); ok {
		values.Add(name, e.sel.AttrOr("value", ""))
	}

	action, err := e.resolve(form.AttrOr("action", ""))
	if err != nil {
		return err
	}
	u, _ := url.Parse(action)
	u.RawQuery = values.Encode()
	return e.page.Navigate(ctx, u.String())
}

// decompressTransport 按Content-Encoding解压响应体(gzip/deflate/br)
type decompressTransport struct {
	base http.RoundTripper
}

func (t *decompressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	encoding := resp.Header.Get("Content-Encoding")
	if encoding == "" {
		return resp, nil
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	body, err := decompressBody(encoding, raw)
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = int64(len(body))
	resp.Uncompressed = true
	return resp, nil
}

func decompressBody(contentEncoding string, body []byte) ([]byte, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(bytes.NewReader(body))
		defer fl.Close()
		reader = fl
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	case "", "identity":
		return body, nil
	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%s解压失败: %w", contentEncoding, err)
	}
	return out, nil
}
