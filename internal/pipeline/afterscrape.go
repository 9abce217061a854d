package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/crawl"
	"github.com/green-detective/detective/internal/model"
)

// handleAfterScrape reconciles staged data against the report's URL scope,
// ensures the company about summary, then dispatches whichever phase still
// has work: claim extraction, defunct resolution, or assembly.
func (p *Pipeline) handleAfterScrape(ctx context.Context, job *model.Job) error {
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
		log.Info("report already terminal, skipping after-scrape")
		return nil
	}

	if err := p.reconcileScope(ctx, report, company, log); err != nil {
		return err
	}

	// About summary is best effort; a missing summary never blocks scoring.
	if company.AboutSummary == "" {
		if err := p.ensureAboutSummary(ctx, company); err != nil {
			log.Warn("about summary failed", zap.Error(err))
		}
	}

	return p.dispatchNext(ctx, report, company, log)
}

// reconcileScope applies the URL-scope rules. A narrowed report defuncts
// everything outside its list and re-pends stale in-list rows; a
// whole-domain report just re-pends anything older than the rescrape
// window. Statistics derived from defuncted rows are defuncted, those from
// re-pended rows deleted so re-scoring starts clean.
func (p *Pipeline) reconcileScope(ctx context.Context, report *model.Report, company *model.Company, log *zap.Logger) error {
	window := time.Duration(p.cfg.Pipeline.RescrapeWindowHours) * time.Hour

	if report.Scoped() {
		scope, err := p.scopeURLs(ctx, company.ID, report.URLs, log)
		if err != nil {
			return err
		}
		defuncted, err := p.store.MarkStagingDefunctOutside(ctx, company.ID, scope)
		if err != nil {
			return err
		}
		if len(defuncted) > 0 {
			n, err := p.store.DefunctStatisticsForStaging(ctx, defuncted)
			if err != nil {
				return err
			}
			log.Info("narrowed scope defuncted staging",
				zap.Int("staging", len(defuncted)),
				zap.Int("statistics", n),
			)
		}
		reset, err := p.store.ResetStaleStagingByURL(ctx, company.ID, scope, window)
		if err != nil {
			return err
		}
		return p.dropStatisticsFor(ctx, reset, log)
	}

	reset, err := p.store.ResetStaleStaging(ctx, company.ID, window)
	if err != nil {
		return err
	}
	return p.dropStatisticsFor(ctx, reset, log)
}

// scopeURLs normalizes the report's URL list and widens it to the
// chunk-part staging keys derived from those pages, so staging rows are
// matched the way they were keyed.
func (p *Pipeline) scopeURLs(ctx context.Context, companyID string, reportURLs []string, log *zap.Logger) ([]string, error) {
	keep := make(map[string]bool, len(reportURLs))
	scope := make([]string, 0, len(reportURLs))
	for _, raw := range reportURLs {
		normalized, err := crawl.Normalize(raw)
		if err != nil {
			log.Warn("skipping invalid report url", zap.String("url", raw), zap.Error(err))
			continue
		}
		if !keep[normalized] {
			keep[normalized] = true
			scope = append(scope, normalized)
		}
	}

	statuses := []model.RecordStatus{
		model.StatusPending, model.StatusProcessing, model.StatusProcessed, model.StatusFailed,
	}
	for _, status := range statuses {
		rows, err := p.store.ListStagingByStatus(ctx, companyID, status)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			base := pageURL(row.URL)
			if keep[base] && base != row.URL {
				scope = append(scope, row.URL)
			}
		}
	}
	return scope, nil
}

func (p *Pipeline) dropStatisticsFor(ctx context.Context, stagingIDs []string, log *zap.Logger) error {
	if len(stagingIDs) == 0 {
		return nil
	}
	n, err := p.store.DeleteStatisticsForStaging(ctx, stagingIDs)
	if err != nil {
		return err
	}
	log.Info("reset stale staging for rescoring",
		zap.Int("staging", len(stagingIDs)),
		zap.Int("statistics_deleted", n),
	)
	return nil
}

// dispatchNext routes the report to its next phase based on what remains.
// Pending staging rows get one process_staging job each, staggered so the
// admission gate fills gradually; likewise pending statistics. When neither
// remains the report is assembled. Re-enqueueing a record that already has
// a queued job is harmless: processed records no-op.
func (p *Pipeline) dispatchNext(ctx context.Context, report *model.Report, company *model.Company, log *zap.Logger) error {
	stagger := time.Duration(p.cfg.Pipeline.StaggerSecs) * time.Second
	now := time.Now().UTC()

	pendingStaging, err := p.store.ListStagingByStatus(ctx, company.ID, model.StatusPending)
	if err != nil {
		return err
	}
	if len(pendingStaging) > 0 {
		log.Info("dispatching claim extraction", zap.Int("records", len(pendingStaging)))
		for i, rec := range pendingStaging {
			err := p.enqueue(ctx, model.QueuePreStaging, model.JobProcessStaging,
				recordPayload{ReportID: report.ID, RecordID: rec.ID},
				now.Add(time.Duration(i)*stagger))
			if err != nil {
				return err
			}
		}
		return p.enqueueCheck(ctx, model.JobCheckStaging, report.ID, len(pendingStaging))
	}

	pendingStats, err := p.store.ListStatisticsByStatus(ctx, company.ID, model.StatusPending)
	if err != nil {
		return err
	}
	if len(pendingStats) > 0 {
		log.Info("dispatching defunct resolution", zap.Int("records", len(pendingStats)))
		for i, stat := range pendingStats {
			err := p.enqueue(ctx, model.QueuePostStaging, model.JobResolveStatistic,
				recordPayload{ReportID: report.ID, RecordID: stat.ID},
				now.Add(time.Duration(i)*stagger))
			if err != nil {
				return err
			}
		}
		return p.enqueueCheck(ctx, model.JobCheckStatistics, report.ID, len(pendingStats))
	}

	log.Info("all records processed, assembling report")
	return p.enqueue(ctx, model.QueueGeneral, model.JobAssembleReport,
		reportPayload{ReportID: report.ID}, now)
}

// enqueueCheck schedules a completion poll one check interval out.
func (p *Pipeline) enqueueCheck(ctx context.Context, kind, reportID string, remaining int) error {
	return p.enqueue(ctx, model.QueueGeneral, kind,
		checkPayload{ReportID: reportID, LastRemaining: remaining},
		time.Now().UTC().Add(p.cfg.Pipeline.CheckInterval()))
}
