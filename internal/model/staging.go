package model

import "time"

// RecordStatus is the shared processing-state machine for staging and
// statistic records: PENDING -> PROCESSING -> PROCESSED | FAILED.
type RecordStatus string

const (
	StatusPending    RecordStatus = "PENDING"
	StatusProcessing RecordStatus = "PROCESSING"
	StatusProcessed  RecordStatus = "PROCESSED"
	StatusFailed     RecordStatus = "FAILED"
)

// Staging is one crawled page (or chunk of one) held for claim extraction.
// Defunct rows are retained for audit but excluded from all downstream
// processing and aggregation.
type Staging struct {
	ID        string       `json:"id"`
	CompanyID string       `json:"company_id"`
	URL       string       `json:"url"`
	Raw       string       `json:"raw"`
	Status    RecordStatus `json:"status"`
	Defunct   bool         `json:"defunct"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
