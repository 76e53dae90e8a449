package browser

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"homewatch/internal/adapters/observability"
	"homewatch/internal/domain"
)

// Renderer returns the rendered markup of a page.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

type Config struct {
	ChromePath     string
	Headless       bool
	UserAgent      string
	WaitSelector   string
	WaitTimeout    time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	PageTimeout    time.Duration
	ScreenshotPath string
}

// Chrome renders pages with a headless Chrome session via chromedp.
type Chrome struct {
	cfg  Config
	open func(ctx context.Context) (page, error)
}

// page is one browser tab. The chromedp tab implements it; tests swap in a
// scripted one.
type page interface {
	Navigate(url string) error
	WaitReady(selector string, timeout time.Duration) error
	Screenshot() ([]byte, error)
	OuterHTML() (string, error)
	Close()
}

func NewChrome(cfg Config) *Chrome {
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "article"
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 90 * time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if cfg.ScreenshotPath == "" {
		cfg.ScreenshotPath = "debug_screenshot.png"
	}
	c := &Chrome{cfg: cfg}
	c.open = c.openTab
	return c
}

// Render navigates to url and waits for the listing markup. A wait timeout is
// not an error: a screenshot is saved and whatever markup exists is returned.
func (c *Chrome) Render(ctx context.Context, url string) (string, error) {
	logger := observability.Named("browser")

	p, err := c.open(ctx)
	if err != nil {
		return "", domain.TransportError("browser.Render", 0, "", fmt.Errorf("%s: %w", url, err))
	}
	defer p.Close()

	start := time.Now()
	if err := p.Navigate(url); err != nil {
		observability.ObserveExternal("browser", "navigate", 0, time.Since(start))
		return "", domain.TransportError("browser.Render", 0, "", fmt.Errorf("%s: %w", url, err))
	}
	observability.ObserveExternal("browser", "navigate", 200, time.Since(start))

	if err := p.WaitReady(c.cfg.WaitSelector, c.cfg.WaitTimeout); err != nil {
		if ctx.Err() != nil {
			return "", domain.TransportError("browser.Render", 0, "", fmt.Errorf("%s: %w", url, ctx.Err()))
		}
		logger.Warn().Err(err).Str("url", url).Dur("timeout", c.cfg.WaitTimeout).Msg("listing markup did not appear")
		c.screenshot(p)
	}

	if err := sleepCtx(ctx, c.delay()); err != nil {
		return "", domain.TransportError("browser.Render", 0, "", fmt.Errorf("%s: %w", url, err))
	}

	html, err := p.OuterHTML()
	if err != nil {
		return "", domain.TransportError("browser.Render", 0, "", fmt.Errorf("%s: %w", url, err))
	}
	return html, nil
}

func (c *Chrome) screenshot(p page) {
	logger := observability.Named("browser")
	buf, err := p.Screenshot()
	if err != nil {
		logger.Error().Err(err).Msg("screenshot failed")
		return
	}
	if err := os.WriteFile(c.cfg.ScreenshotPath, buf, 0o644); err != nil {
		logger.Error().Err(err).Str("path", c.cfg.ScreenshotPath).Msg("screenshot write failed")
		return
	}
	logger.Info().Str("path", c.cfg.ScreenshotPath).Msg("saved diagnostic screenshot")
}

func (c *Chrome) openTab(ctx context.Context) (page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(c.cfg.UserAgent),
	)
	if c.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ChromePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	tabCtx, cancelPage := context.WithTimeout(tabCtx, c.cfg.PageTimeout)
	return &chromeTab{ctx: tabCtx, cancel: func() {
		cancelPage()
		cancelTab()
		cancelAlloc()
	}}, nil
}

type chromeTab struct {
	ctx    context.Context
	cancel func()
}

func (t *chromeTab) Navigate(url string) error {
	return chromedp.Run(t.ctx, chromedp.Navigate(url))
}

func (t *chromeTab) WaitReady(selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (t *chromeTab) Screenshot() ([]byte, error) {
	var buf []byte
	err := chromedp.Run(t.ctx, chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

func (t *chromeTab) OuterHTML() (string, error) {
	var html string
	err := chromedp.Run(t.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (t *chromeTab) Close() { t.cancel() }

func (c *Chrome) delay() time.Duration {
	span := c.cfg.MaxDelay - c.cfg.MinDelay
	if span <= 0 {
		return c.cfg.MinDelay
	}
	return c.cfg.MinDelay + rand.N(span)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Source is the browser-backed domain.Source.
type Source struct {
	r    Renderer
	base string
}

func NewSource(r Renderer, siteBase string) *Source {
	if siteBase == "" {
		siteBase = DefaultSiteBase
	}
	return &Source{r: r, base: strings.TrimRight(siteBase, "/")}
}

func (s *Source) Kind() domain.SourceKind { return domain.SourceScrape }

func (s *Source) Fetch(ctx context.Context, q domain.QueryParameters) (domain.Batch, error) {
	if strings.TrimSpace(q.Zone) == "" {
		return domain.Batch{}, domain.ConfigErrorf("scrape source needs a zone")
	}
	u := BuildSearchURL(s.base, q.Zone, q.Neighborhood, q.PriceMax, q.Type)
	logger := observability.Named("browser")
	logger.Info().Str("url", u).Msg("rendering search page")

	html, err := s.r.Render(ctx, u)
	if err != nil {
		if _, ok := domain.AsError(err); ok {
			return domain.Batch{}, err
		}
		return domain.Batch{}, domain.TransportError("browser.Fetch", 0, "", fmt.Errorf("%s: %w", u, err))
	}
	return Extract(strings.NewReader(html), s.base)
}
