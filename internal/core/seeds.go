package core

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/RecoveryAshes/RodRotate/internal/utils"
)

// SeedCollector 种子URL收集器
// 用Colly做一次轻量的同域链接扫描,把入口页上的链接展开成待爬URL列表,
// 浏览器池只负责真正的页面访问,不承担链接发现
type SeedCollector struct {
	collector *colly.Collector
	domain    string
	limit     int

	seeds []string
	seen  map[string]bool
	mu    sync.Mutex
}

// NewSeedCollector 创建种子收集器
// limit 限制收集数量,<=0 时使用默认值100
func NewSeedCollector(startURL string, limit int) (*SeedCollector, error) {
	parsed, err := url.Parse(startURL)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	// 跳过证书验证,允许访问自签名/过期证书的站点
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 30 * time.Second,
	}

	c := colly.NewCollector(
		colly.Async(true),
		// 不设置AllowedDomains,域名检查在回调里手动做,避免子域名被误拦
	)
	c.SetClient(httpClient)
	c.SetRequestTimeout(30 * time.Second)
	c.WithTransport(httpClient.Transport)

	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 4,
		Delay:       0,
	}); err != nil {
		utils.Warnf("设置种子收集并发限制失败: %v", err)
	}

	sc := &SeedCollector{
		collector: c,
		domain:    parsed.Hostname(),
		limit:     limit,
		seen:      make(map[string]bool),
	}
	sc.setupCallbacks()
	return sc, nil
}

// setupCallbacks 设置Colly回调
func (sc *SeedCollector) setupCallbacks() {
	sc.collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" || !strings.HasPrefix(link, "http") {
			return
		}

		parsed, err := url.Parse(link)
		if err != nil {
			return
		}
		// 同域判定: 完全相同或子域名
		host := parsed.Hostname()
		if host != sc.domain && !strings.HasSuffix(host, "."+sc.domain) {
			return
		}

		// 去掉fragment,避免同一页面被收集多次
		parsed.Fragment = ""
		normalized := parsed.String()

		sc.mu.Lock()
		defer sc.mu.Unlock()
		if sc.seen[normalized] || len(sc.seeds) >= sc.limit {
			return
		}
		sc.seen[normalized] = true
		sc.seeds = append(sc.seeds, normalized)
	})

	sc.collector.OnError(func(r *colly.Response, err error) {
		utils.Warnf("种子收集请求失败 [%s]: %v", r.Request.URL, err)
	})
}

// Collect 访问入口页并返回收集到的同域URL(含入口页本身)
func (sc *SeedCollector) Collect(startURL string) ([]string, error) {
	sc.mu.Lock()
	sc.seen[startURL] = true
	sc.seeds = append(sc.seeds, startURL)
	sc.mu.Unlock()

	if err := sc.collector.Visit(startURL); err != nil {
		// 入口页抓取失败不中断流程,仍返回入口URL本身
		utils.Warnf("访问入口页失败,仅使用入口URL: %v", err)
		return sc.seeds, nil
	}
	sc.collector.Wait()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	utils.Infof("种子收集完成: 从 %s 收集到 %d 个同域URL", startURL, len(sc.seeds))
	return sc.seeds, nil
}
