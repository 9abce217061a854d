package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/internal/report"
)

// handleAssembleReport renders the workbook from the company's surviving
// statistics and publishes it. Any assembly error fails the report; by
// this point every recoverable path has been exhausted.
func (p *Pipeline) handleAssembleReport(ctx context.Context, job *model.Job) error {
	rep, company, err := p.loadReport(ctx, job.Payload)
	if err != nil {
		return err
	}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("report_id", rep.ID),
		zap.String("company", company.Domain),
	)

	if rep.Status.Terminal() {
		log.Info("report already terminal, skipping assembly")
		return nil
	}

	stats, err := p.store.ListStatistics(ctx, company.ID, false)
	if err != nil {
		p.failReport(ctx, rep.ID, err)
		return err
	}

	urls, err := p.stagingURLs(ctx, stats)
	if err != nil {
		p.failReport(ctx, rep.ID, err)
		return err
	}

	summary := report.Aggregate(stats)
	p.summarizeFindings(ctx, company, &summary, stats)

	workbook, err := report.Build(company, stats, urls, summary)
	if err != nil {
		p.failReport(ctx, rep.ID, err)
		return err
	}

	key := fmt.Sprintf("%s/%s.xlsx", company.Domain, rep.ID)
	if err := p.storage.Put(ctx, key, bytes.NewReader(workbook)); err != nil {
		p.failReport(ctx, rep.ID, err)
		return err
	}
	expiry := time.Duration(p.cfg.Storage.ExpiryHours) * time.Hour
	signedURL, err := p.storage.SignedURL(ctx, key, expiry)
	if err != nil {
		p.failReport(ctx, rep.ID, err)
		return err
	}

	if err := p.store.SetReportOutput(ctx, rep.ID, key, signedURL); err != nil {
		p.failReport(ctx, rep.ID, err)
		return err
	}
	if err := p.store.UpdateReportStatus(ctx, rep.ID, model.ReportStatusProcessed); err != nil {
		return err
	}

	log.Info("report assembled",
		zap.Int("claims", len(stats)),
		zap.Float64("mean_score", summary.Mean),
		zap.String("tier", string(summary.Tier)),
		zap.String("key", key),
	)
	return nil
}

// stagingURLs resolves each statistic's primary staging row to the page it
// was extracted from, chunk suffixes stripped.
func (p *Pipeline) stagingURLs(ctx context.Context, stats []model.Statistic) (map[string]string, error) {
	urls := make(map[string]string, len(stats))
	for i := range stats {
		id := stats[i].PrimaryStagingID()
		if id == "" {
			continue
		}
		if _, ok := urls[id]; ok {
			continue
		}
		staging, err := p.store.GetStaging(ctx, id)
		if err != nil {
			return nil, err
		}
		urls[id] = pageURL(staging.URL)
	}
	return urls, nil
}
