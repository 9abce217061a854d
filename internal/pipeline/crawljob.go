package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/crawl"
	"github.com/green-detective/detective/internal/model"
)

// handleCrawlDomain walks the company's site (or the report's explicit URL
// list), staging every extracted chunk. The job finishing is the barrier:
// completion enqueues after_scrape.
func (p *Pipeline) handleCrawlDomain(ctx context.Context, job *model.Job) error {
	report, company, err := p.loadReport(ctx, job.Payload)
	if err != nil {
		return err
	}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("report_id", report.ID),
		zap.String("company", company.Domain),
	)

	if report.Status.Terminal() {
		log.Info("report already terminal, skipping crawl")
		return nil
	}

	var staged atomic.Int64
	crawler := crawl.New(p.fetcher, p.stagePage(company.ID, &staged), p.cfg.Crawl)

	handled, err := crawler.Crawl(ctx, "https://"+company.Domain, report.URLs)
	if err != nil {
		return err
	}
	log.Info("crawl finished",
		zap.Int("pages", handled),
		zap.Int64("staged", staged.Load()),
	)

	return p.enqueue(ctx, model.QueueGeneral, model.JobAfterScrape,
		reportPayload{ReportID: report.ID}, time.Now().UTC())
}

// stagePage returns the crawler page handler that extracts a page into
// chunks and stages each. Chunks past the first get a fragment suffix so
// the per-URL uniqueness still holds. Staging failures are returned so the
// crawler logs and skips the page without aborting the crawl.
// pageURL strips the #part-N suffix a chunked staging key carries,
// returning the page URL the chunk came from.
func pageURL(key string) string {
	if i := strings.Index(key, "#part-"); i >= 0 {
		return key[:i]
	}
	return key
}

func (p *Pipeline) stagePage(companyID string, staged *atomic.Int64) crawl.PageHandler {
	return func(ctx context.Context, page *crawl.Page) error {
		chunks := p.extractor.Extract(ctx, page.URL, page.Body, page.ContentType)
		for i, chunk := range chunks {
			key := chunk.URL
			if i > 0 {
				key = fmt.Sprintf("%s#part-%d", chunk.URL, i+1)
			}
			_, created, err := p.store.CreateStagingIfAbsent(ctx, companyID, key, chunk.Text)
			if err != nil {
				return err
			}
			if created {
				staged.Add(1)
			}
		}
		return nil
	}
}
