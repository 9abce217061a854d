package crawl

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 8 << 20
	userAgent    = "Mozilla/5.0 (compatible; GreenDetectiveBot/1.0)"
)

// Page is a fetched document before extraction.
type Page struct {
	URL         string
	Body        []byte
	ContentType string
	StatusCode  int
	Source      string // "http", "headless", "socket"
}

// Fetcher retrieves a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (*Page, error)
}

// Renderer renders a page with JavaScript executed and returns the final
// HTML. Split out from the chain so tests can stub the browser.
type Renderer interface {
	Render(ctx context.Context, targetURL string) (string, error)
}

// ChainFetcher tries plain HTTP first, then a headless render, then a raw
// socket request, returning the first success. Anti-bot interstitials and
// transport errors advance the chain; HTTP error statuses do not.
type ChainFetcher struct {
	client   *http.Client
	renderer Renderer
	timeout  time.Duration
}

// NewChainFetcher creates a ChainFetcher with the given per-fetch timeout.
// A nil renderer disables the headless step.
func NewChainFetcher(renderer Renderer, timeout time.Duration) *ChainFetcher {
	return &ChainFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		renderer: renderer,
		timeout:  timeout,
	}
}

// Fetch runs the chain for one URL.
func (f *ChainFetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	page, err := f.fetchHTTP(ctx, targetURL)
	if err == nil {
		return page, nil
	}
	lastErr := err
	zap.L().Debug("crawl: plain fetch failed, trying headless",
		zap.String("url", targetURL),
		zap.Error(err),
	)

	if f.renderer != nil {
		html, rerr := f.renderer.Render(ctx, targetURL)
		if rerr == nil && !bodyBlocked([]byte(html)) {
			return &Page{
				URL:         targetURL,
				Body:        []byte(html),
				ContentType: "text/html",
				StatusCode:  http.StatusOK,
				Source:      "headless",
			}, nil
		}
		if rerr != nil {
			zap.L().Debug("crawl: headless render failed, trying socket",
				zap.String("url", targetURL),
				zap.Error(rerr),
			)
			lastErr = rerr
		}
	}

	page, serr := f.fetchSocket(ctx, targetURL)
	if serr == nil {
		return page, nil
	}
	zap.L().Debug("crawl: socket fetch failed",
		zap.String("url", targetURL),
		zap.Error(serr),
	)

	return nil, eris.Wrap(lastErr, "crawl: all fetch strategies failed")
}

func (f *ChainFetcher) fetchHTTP(ctx context.Context, targetURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: create request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "crawl: read body")
	}

	if blocked, blockType := DetectBlock(resp, body); blocked {
		return nil, eris.Errorf("crawl: blocked (%s)", blockType)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("crawl: status %d", resp.StatusCode)
	}

	return &Page{
		URL:         targetURL,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		Source:      "http",
	}, nil
}

// fetchSocket issues the request over a bare TCP (or TLS) connection with a
// minimal HTTP/1.1 exchange. Some servers that reject Go's default transport
// fingerprint still answer a plain socket.
func (f *ChainFetcher) fetchSocket(ctx context.Context, targetURL string) (*Page, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: parse url")
	}

	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	dialer := &net.Dialer{Timeout: f.timeout}
	var conn net.Conn
	if u.Scheme == "https" {
		conn, err = tls.DialWithDialer(dialer, "tcp", host, &tls.Config{ServerName: u.Hostname()})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, eris.Wrap(err, "crawl: socket dial")
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(f.timeout))

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nAccept: */*\r\nConnection: close\r\n\r\n",
		path, u.Hostname(), userAgent)
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, eris.Wrap(err, "crawl: socket write")
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: socket read")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "crawl: socket read body")
	}

	if blocked, blockType := DetectBlock(resp, body); blocked {
		return nil, eris.Errorf("crawl: blocked (%s)", blockType)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("crawl: status %d", resp.StatusCode)
	}

	return &Page{
		URL:         targetURL,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		Source:      "socket",
	}, nil
}

func bodyBlocked(body []byte) bool {
	blocked, _ := DetectBlock(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}}, body)
	return blocked
}

// HeadlessRenderer renders pages in headless Chrome via chromedp.
// Requires a Chrome or Chromium binary on the host.
type HeadlessRenderer struct {
	timeout time.Duration
}

// NewHeadlessRenderer creates a renderer with the given per-page timeout.
func NewHeadlessRenderer(timeout time.Duration) *HeadlessRenderer {
	return &HeadlessRenderer{timeout: timeout}
}

// Render navigates to the URL, waits for the document body and a short
// settle period, then returns the rendered HTML.
func (r *HeadlessRenderer) Render(ctx context.Context, targetURL string) (string, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, r.timeout)
	defer cancel()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", eris.Wrap(err, "crawl: headless render")
	}
	if strings.TrimSpace(html) == "" {
		return "", eris.New("crawl: headless render returned empty document")
	}
	return html, nil
}
