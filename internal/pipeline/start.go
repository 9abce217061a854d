package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
)

// handleStartReport moves a report into PROCESSING, cancels pending
// siblings, and decides whether the domain needs a fresh crawl.
func (p *Pipeline) handleStartReport(ctx context.Context, job *model.Job) error {
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
		log.Info("report already terminal, skipping start", zap.String("status", string(report.Status)))
		return nil
	}

	if err := p.store.UpdateReportStatus(ctx, report.ID, model.ReportStatusProcessing); err != nil {
		return err
	}
	cancelled, err := p.store.CancelPendingReports(ctx, company.ID, report.ID)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		log.Info("cancelled pending sibling reports", zap.Int("count", cancelled))
	}

	if !report.Scoped() && p.crawlSkippable(ctx, company.ID, log) {
		log.Info("recent staging data present, skipping crawl")
		return p.enqueue(ctx, model.QueueGeneral, model.JobAfterScrape,
			reportPayload{ReportID: report.ID}, time.Now().UTC())
	}

	log.Info("starting domain crawl")
	return p.enqueue(ctx, model.QueueScraping, model.JobCrawlDomain,
		reportPayload{ReportID: report.ID}, time.Now().UTC())
}

// crawlSkippable reports whether the company already has enough fresh
// staging data to score without re-crawling. Freshness-check errors fall
// through to a crawl, which is always safe.
func (p *Pipeline) crawlSkippable(ctx context.Context, companyID string, log *zap.Logger) bool {
	count, newest, err := p.store.StagingFreshness(ctx, companyID)
	if err != nil {
		log.Warn("staging freshness check failed, crawling anyway", zap.Error(err))
		return false
	}
	if count <= p.cfg.Pipeline.SkipCrawlMinRecords {
		return false
	}
	window := time.Duration(p.cfg.Pipeline.SkipCrawlWindowDays) * 24 * time.Hour
	return time.Since(newest) < window
}
