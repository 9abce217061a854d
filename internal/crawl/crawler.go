// Package crawl discovers and fetches a company's web pages for staging.
package crawl

import (
	"bytes"
	"context"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/green-detective/detective/internal/config"
)

// PageHandler receives each successfully fetched page. Handler errors are
// logged and the page skipped; they never abort the crawl.
type PageHandler func(ctx context.Context, page *Page) error

// Crawler walks a company domain breadth-first, staging every reachable
// same-domain page up to a link cap.
type Crawler struct {
	fetcher Fetcher
	handler PageHandler
	limiter *rate.Limiter
	cfg     config.CrawlConfig
}

// New creates a Crawler. The rate limiter spaces requests in addition to
// the random per-request delay.
func New(fetcher Fetcher, handler PageHandler, cfg config.CrawlConfig) *Crawler {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 30000
	}
	// Zero delays mean politeness is disabled entirely.
	limit := rate.Inf
	if cfg.MinDelaySecs > 0 || cfg.MaxDelaySecs > 0 {
		limit = rate.Every(time.Second)
	}
	return &Crawler{
		fetcher: fetcher,
		handler: handler,
		limiter: rate.NewLimiter(limit, cfg.Workers),
		cfg:     cfg,
	}
}

// Crawl fetches pages starting from seedURL. With an allowlist, discovery
// is disabled and exactly those URLs are fetched. Returns the number of
// pages handled.
func (c *Crawler) Crawl(ctx context.Context, seedURL string, allowlist []string) (int, error) {
	if len(allowlist) > 0 {
		return c.crawlList(ctx, allowlist)
	}

	seed, err := Normalize(seedURL)
	if err != nil {
		return 0, eris.Wrap(err, "crawl: seed url")
	}

	var (
		mu      sync.Mutex
		visited = map[string]bool{seed: true}
		handled int
	)
	frontier := []string{seed}

	for round := 0; len(frontier) > 0; round++ {
		var next []string

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Workers)

		for _, u := range frontier {
			g.Go(func() error {
				if err := c.politeWait(gCtx); err != nil {
					return err
				}

				page, err := c.fetcher.Fetch(gCtx, u)
				if err != nil {
					zap.L().Warn("crawl: fetch failed",
						zap.String("url", u),
						zap.Error(err),
					)
					return nil
				}

				c.handlePage(gCtx, page)
				mu.Lock()
				handled++
				mu.Unlock()

				if !isHTML(page.ContentType) {
					return nil
				}
				for _, link := range extractLinks(page.URL, page.Body) {
					if !SameRegistrableDomain(seed, link) {
						continue
					}
					mu.Lock()
					if !visited[link] && len(visited) < c.cfg.MaxLinks {
						visited[link] = true
						next = append(next, link)
					}
					mu.Unlock()
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return handled, eris.Wrap(err, "crawl: round aborted")
		}

		zap.L().Info("crawl: round complete",
			zap.Int("round", round),
			zap.Int("fetched", handled),
			zap.Int("discovered", len(visited)),
			zap.Int("frontier", len(next)),
		)
		frontier = next
	}

	return handled, nil
}

// crawlList fetches exactly the given URLs with no link discovery.
func (c *Crawler) crawlList(ctx context.Context, urls []string) (int, error) {
	var (
		mu      sync.Mutex
		handled int
	)
	seen := make(map[string]bool, len(urls))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for _, raw := range urls {
		u, err := Normalize(raw)
		if err != nil {
			zap.L().Warn("crawl: skipping invalid url", zap.String("url", raw), zap.Error(err))
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true

		g.Go(func() error {
			if err := c.politeWait(gCtx); err != nil {
				return err
			}
			page, err := c.fetcher.Fetch(gCtx, u)
			if err != nil {
				zap.L().Warn("crawl: fetch failed",
					zap.String("url", u),
					zap.Error(err),
				)
				return nil
			}
			c.handlePage(gCtx, page)
			mu.Lock()
			handled++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return handled, eris.Wrap(err, "crawl: list fetch aborted")
	}
	return handled, nil
}

func (c *Crawler) handlePage(ctx context.Context, page *Page) {
	if err := c.handler(ctx, page); err != nil {
		zap.L().Warn("crawl: page handler failed",
			zap.String("url", page.URL),
			zap.Error(err),
		)
	}
}

// politeWait combines the shared rate limiter with a random inter-request
// delay so bursts from the worker pool do not hammer one host.
func (c *Crawler) politeWait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "crawl: rate limit wait")
	}
	minD, maxD := c.cfg.MinDelaySecs, c.cfg.MaxDelaySecs
	if maxD <= minD {
		return nil
	}
	delay := time.Duration(minD)*time.Second +
		time.Duration(rand.Int64N(int64(maxD-minD)*int64(time.Second)))
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// extractLinks pulls all anchor hrefs from an HTML document, resolved
// against the page URL and normalized. Non-http(s) links are dropped.
func extractLinks(pageURL string, body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		zap.L().Debug("crawl: parse html for links", zap.String("url", pageURL), zap.Error(err))
		return nil
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		norm, err := Normalize(resolved.String())
		if err != nil {
			return
		}
		if !seen[norm] {
			seen[norm] = true
			links = append(links, norm)
		}
	})
	return links
}
