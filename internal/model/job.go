package model

import "time"

// JobStatus is the lifecycle of a durable queue job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobLeased  JobStatus = "leased"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
	// JobDead marks a job whose retry budget is exhausted; kept for audit.
	JobDead JobStatus = "dead"
)

// Queue names. Workers subscribe per queue so slow LLM polling cannot
// starve crawling and vice versa.
const (
	QueueGeneral     = "general"
	QueueScraping    = "scraping"
	QueuePreStaging  = "prestaging"
	QueuePostStaging = "poststaging"
)

// Job kinds dispatched by the pipeline.
const (
	JobStartReport      = "start_report"
	JobCrawlDomain      = "crawl_domain"
	JobAfterScrape      = "after_scrape"
	JobProcessStaging   = "process_staging"
	JobResolveStatistic = "resolve_statistic"
	JobCheckStaging     = "check_staging"
	JobCheckStatistics  = "check_statistics"
	JobAssembleReport   = "assemble_report"
)

// Job is one unit of deferred work in the durable queue. Leases carry a
// visibility timeout: a leased job whose lease expires is reclaimed to
// pending so a crashed worker cannot strand it.
type Job struct {
	ID             string    `json:"id"`
	Queue          string    `json:"queue"`
	Kind           string    `json:"kind"`
	Payload        []byte    `json:"payload"`
	Status         JobStatus `json:"status"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	RunAt          time.Time `json:"run_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
