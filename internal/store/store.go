// Package store provides persistence for companies, reports, staged pages,
// scored claims, LLM runs, and the durable job queue. Two backends
// implement the same interface: PostgreSQL via pgx for production and
// SQLite via modernc for local runs and tests.
package store

import (
	"context"
	"time"

	"github.com/green-detective/detective/internal/model"
)

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Companies
	EnsureCompany(ctx context.Context, name, domain string) (*model.Company, error)
	GetCompany(ctx context.Context, id string) (*model.Company, error)
	GetCompanyByDomain(ctx context.Context, domain string) (*model.Company, error)
	UpdateCompanyAbout(ctx context.Context, id, aboutURL, aboutRaw, aboutSummary string) error

	// Reports
	CreateReport(ctx context.Context, companyID, userID string, urls []string) (*model.Report, error)
	GetReport(ctx context.Context, id string) (*model.Report, error)
	UpdateReportStatus(ctx context.Context, id string, status model.ReportStatus) error
	SetReportOutput(ctx context.Context, id, outputKey, outputURL string) error
	// IncrementReportRestarts bumps the restart counter and returns the new
	// value so the caller can enforce the restart budget.
	IncrementReportRestarts(ctx context.Context, id string) (int, error)
	// CancelPendingReports cancels every PENDING report for the company
	// except the one being started.
	CancelPendingReports(ctx context.Context, companyID, exceptID string) (int, error)
	LatestReport(ctx context.Context, companyID string) (*model.Report, error)
	// FailStuckReports fails PROCESSING reports not updated within the
	// window. Returns the number of reports failed.
	FailStuckReports(ctx context.Context, olderThan time.Duration) (int, error)

	// Staging
	// CreateStagingIfAbsent stages a page unless a row for the same
	// company+URL already exists. The bool reports whether a row was created.
	CreateStagingIfAbsent(ctx context.Context, companyID, url, raw string) (*model.Staging, bool, error)
	GetStaging(ctx context.Context, id string) (*model.Staging, error)
	UpdateStagingStatus(ctx context.Context, id string, status model.RecordStatus) error
	ListStagingByStatus(ctx context.Context, companyID string, status model.RecordStatus) ([]model.Staging, error)
	CountStagingByStatus(ctx context.Context, companyID string) (map[model.RecordStatus]int, error)
	// CountProcessingStaging counts PROCESSING staging rows across all
	// companies. Backs the global admission gate.
	CountProcessingStaging(ctx context.Context) (int, error)
	// StagingFreshness returns the non-defunct row count and newest
	// update time for a company. Backs the whole-crawl skip decision.
	StagingFreshness(ctx context.Context, companyID string) (int, time.Time, error)
	// MarkStagingDefunctOutside marks rows whose URL is not in keepURLs
	// defunct and returns their IDs so the caller can defunct their
	// statistics too.
	MarkStagingDefunctOutside(ctx context.Context, companyID string, keepURLs []string) ([]string, error)
	// ResetStaleStagingByURL re-pends rows for the listed URLs that were
	// last updated before the window and returns their IDs.
	ResetStaleStagingByURL(ctx context.Context, companyID string, urls []string, olderThan time.Duration) ([]string, error)
	// ResetStaleStaging is the whole-domain variant of ResetStaleStagingByURL.
	// Unlike the scoped variant it also revives defunct rows, since a full
	// crawl revisits the entire domain.
	ResetStaleStaging(ctx context.Context, companyID string, olderThan time.Duration) ([]string, error)
	// ResetStuckStaging re-pends PROCESSING rows not updated within the
	// staleness window and returns their IDs for requeueing.
	ResetStuckStaging(ctx context.Context, stale time.Duration) ([]string, error)

	// Statistics
	// BatchCreateStatistics persists a batch of scored claims. Re-running
	// the same batch is an upsert, so retries after partial failure are safe.
	BatchCreateStatistics(ctx context.Context, stats []model.Statistic) error
	GetStatistic(ctx context.Context, id string) (*model.Statistic, error)
	UpdateStatisticStatus(ctx context.Context, id string, status model.RecordStatus) error
	SetStatisticEmbedding(ctx context.Context, id string, embedding []float32) error
	// UpdateStatisticResolution records the supersession verdict and marks
	// the row PROCESSED.
	UpdateStatisticResolution(ctx context.Context, id string, analysis []byte, defunct bool) error
	// ListStatistics returns a company's statistics, excluding defunct rows
	// unless includeDefunct is set.
	ListStatistics(ctx context.Context, companyID string, includeDefunct bool) ([]model.Statistic, error)
	ListStatisticsByStatus(ctx context.Context, companyID string, status model.RecordStatus) ([]model.Statistic, error)
	CountStatisticsByStatus(ctx context.Context, companyID string) (map[model.RecordStatus]int, error)
	CountProcessingStatistics(ctx context.Context) (int, error)
	DeleteStatisticsForStaging(ctx context.Context, stagingIDs []string) (int, error)
	DefunctStatisticsForStaging(ctx context.Context, stagingIDs []string) (int, error)
	ResetStuckStatistics(ctx context.Context, stale time.Duration) ([]string, error)

	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, id string, status model.RunStatus, lastError string) error

	// Jobs
	EnqueueJob(ctx context.Context, queue, kind string, payload []byte, runAt time.Time, maxAttempts int) (*model.Job, error)
	// DequeueJob leases the oldest runnable job on the queue, or returns
	// nil when the queue is empty. Leasing increments the attempt counter.
	DequeueJob(ctx context.Context, queue string, lease time.Duration) (*model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	// FailJob re-pends the job for retryAt, or moves it to dead when the
	// attempt budget is exhausted.
	FailJob(ctx context.Context, id string, jobErr string, retryAt time.Time) error
	// ReclaimExpiredJobs re-pends leased jobs whose lease has lapsed so a
	// crashed worker cannot strand them.
	ReclaimExpiredJobs(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
