package model

import "time"

// ReportStatus tracks a report through the pipeline.
type ReportStatus string

const (
	ReportStatusPending    ReportStatus = "pending"
	ReportStatusProcessing ReportStatus = "processing"
	ReportStatusProcessed  ReportStatus = "processed"
	ReportStatusFailed     ReportStatus = "failed"
	ReportStatusCancelled  ReportStatus = "cancelled"
)

// Terminal reports true for statuses the orchestrator will never advance.
func (s ReportStatus) Terminal() bool {
	switch s {
	case ReportStatusProcessed, ReportStatusFailed, ReportStatusCancelled:
		return true
	}
	return false
}

// MaxReportURLs caps the explicit URL subset a report may request.
// An empty subset means a whole-domain crawl.
const MaxReportURLs = 20

// Report is one user-triggered analysis run for a company. At most one
// report per company may be non-terminal at a time; starting a new report
// cancels pending siblings.
type Report struct {
	ID        string       `json:"id"`
	CompanyID string       `json:"company_id"`
	UserID    string       `json:"user_id,omitempty"`
	URLs      []string     `json:"urls,omitempty"`
	Status    ReportStatus `json:"status"`
	// OutputKey is the object-storage key of the rendered workbook;
	// OutputURL a signed retrieval URL for it. Both set at assembly.
	OutputKey string    `json:"output_key,omitempty"`
	OutputURL string    `json:"output_url,omitempty"`
	Restarts  int       `json:"restarts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scoped reports whether the report narrows analysis to an explicit URL list.
func (r *Report) Scoped() bool {
	return len(r.URLs) > 0
}
