// Package pipeline orchestrates a report from crawl to workbook. Every
// stage runs as a durable queue job; the handlers here are registered on
// the queue worker and drive all state through the store, so any worker
// process can pick up any stage.
package pipeline

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/config"
	"github.com/green-detective/detective/internal/crawl"
	"github.com/green-detective/detective/internal/extract"
	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/internal/objstore"
	"github.com/green-detective/detective/internal/queue"
	"github.com/green-detective/detective/internal/store"
	"github.com/green-detective/detective/pkg/anthropic"
	"github.com/green-detective/detective/pkg/assistant"
	"github.com/green-detective/detective/pkg/embed"
)

// defaultMaxAttempts is the retry budget for pipeline jobs.
const defaultMaxAttempts = 3

// Pipeline owns the job handlers that move a report through
// crawl -> staging -> scoring -> resolution -> assembly.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	fetcher    crawl.Fetcher
	extractor  *extract.Extractor
	assistant  assistant.Client
	embedder   embed.Client
	summarizer anthropic.Client
	storage    objstore.Storage
}

// New wires a Pipeline. The fetcher is injected rather than built here so
// tests can substitute a stub for the browser-backed chain.
func New(
	cfg *config.Config,
	st store.Store,
	fetcher crawl.Fetcher,
	llm assistant.Client,
	embedder embed.Client,
	summarizer anthropic.Client,
	storage objstore.Storage,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		fetcher:    fetcher,
		extractor:  extract.New(cfg.Extract),
		assistant:  llm,
		embedder:   embedder,
		summarizer: summarizer,
		storage:    storage,
	}
}

// RegisterHandlers binds every pipeline job kind onto the worker.
func (p *Pipeline) RegisterHandlers(w *queue.Worker) {
	w.Register(model.JobStartReport, p.handleStartReport)
	w.Register(model.JobCrawlDomain, p.handleCrawlDomain)
	w.Register(model.JobAfterScrape, p.handleAfterScrape)
	w.Register(model.JobProcessStaging, p.handleProcessStaging)
	w.Register(model.JobResolveStatistic, p.handleResolveStatistic)
	w.Register(model.JobCheckStaging, p.handleCheckStaging)
	w.Register(model.JobCheckStatistics, p.handleCheckStatistics)
	w.Register(model.JobAssembleReport, p.handleAssembleReport)
}

// reportPayload routes the report-level jobs: start, crawl, after_scrape,
// assemble.
type reportPayload struct {
	ReportID string `json:"report_id"`
}

// recordPayload routes the per-record jobs.
type recordPayload struct {
	ReportID string `json:"report_id"`
	RecordID string `json:"record_id"`
}

// checkPayload carries the completion checker's progress memory between
// polls. Stalls counts consecutive polls with no forward progress.
type checkPayload struct {
	ReportID      string `json:"report_id"`
	LastRemaining int    `json:"last_remaining"`
	Stalls        int    `json:"stalls"`
}

// StartReport enqueues the first job of a report's pipeline. Called by the
// API and CLI after creating the report row.
func (p *Pipeline) StartReport(ctx context.Context, reportID string) error {
	return p.enqueue(ctx, model.QueueGeneral, model.JobStartReport,
		reportPayload{ReportID: reportID}, time.Now().UTC())
}

func (p *Pipeline) enqueue(ctx context.Context, queueName, kind string, payload any, runAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "pipeline: marshal %s payload", kind)
	}
	if _, err := p.store.EnqueueJob(ctx, queueName, kind, body, runAt, defaultMaxAttempts); err != nil {
		return eris.Wrapf(err, "pipeline: enqueue %s", kind)
	}
	return nil
}

// loadReport decodes a report payload and fetches the report and company.
func (p *Pipeline) loadReport(ctx context.Context, payload []byte) (*model.Report, *model.Company, error) {
	var body reportPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: decode report payload")
	}
	report, err := p.store.GetReport(ctx, body.ReportID)
	if err != nil {
		return nil, nil, err
	}
	company, err := p.store.GetCompany(ctx, report.CompanyID)
	if err != nil {
		return nil, nil, err
	}
	return report, company, nil
}

// failReport marks the report failed, logging rather than compounding when
// the status write itself fails.
func (p *Pipeline) failReport(ctx context.Context, reportID string, cause error) {
	zap.L().Error("pipeline: report failed",
		zap.String("report_id", reportID),
		zap.Error(cause),
	)
	if err := p.store.UpdateReportStatus(ctx, reportID, model.ReportStatusFailed); err != nil {
		zap.L().Warn("pipeline: failed to mark report failed",
			zap.String("report_id", reportID),
			zap.Error(err),
		)
	}
}

// jitteredDelay returns a uniform delay in [min, max) for spacing retries
// of gated work.
func jitteredDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}
