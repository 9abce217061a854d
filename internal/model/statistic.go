package model

import (
	"strings"
	"time"
)

// ClaimCategory buckets a claim for aggregate reporting.
type ClaimCategory string

const (
	CategoryEnvironmental ClaimCategory = "environmental"
	CategorySocial        ClaimCategory = "social"
	CategoryGovernance    ClaimCategory = "governance"
	CategoryProduct       ClaimCategory = "product"
	CategoryGeneral       ClaimCategory = "general"
)

// ParseCategory maps free-form model output onto a known category,
// defaulting to general.
func ParseCategory(s string) ClaimCategory {
	switch ClaimCategory(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryEnvironmental:
		return CategoryEnvironmental
	case CategorySocial:
		return CategorySocial
	case CategoryGovernance:
		return CategoryGovernance
	case CategoryProduct:
		return CategoryProduct
	}
	return CategoryGeneral
}

// ScoreBreakdown holds the four weighted component scores that sum to the
// raw greenwashing score.
type ScoreBreakdown struct {
	Evidence      float64 `json:"evidence"`
	Impact        float64 `json:"impact"`
	TimeRelevance float64 `json:"time_relevance"`
	Consistency   float64 `json:"consistency"`
}

// TimeContext explains how the time-relevance component was derived.
type TimeContext struct {
	Explanation string `json:"explanation"`
	Date        string `json:"date,omitempty"`
	Confidence  string `json:"confidence,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// ConsistencyContext explains the consistency component.
type ConsistencyContext struct {
	Explanation   string   `json:"explanation"`
	RelatedClaims []string `json:"related_claims,omitempty"`
	Analysis      string   `json:"analysis,omitempty"`
}

// Justification bundles the per-component reasoning persisted with a claim.
type Justification struct {
	Evidence    string             `json:"evidence,omitempty"`
	Impact      string             `json:"impact,omitempty"`
	TimeContext TimeContext        `json:"time_context"`
	Consistency ConsistencyContext `json:"consistency"`
}

// Statistic is one extracted-and-scored claim. Mutated by the defunct
// resolver (ComparisonAnalysis + Defunct); physically deleted only when a
// URL-scope change re-pends its staging source.
type Statistic struct {
	ID                 string         `json:"id"`
	CompanyID          string         `json:"company_id"`
	StagingIDs         []string       `json:"staging_ids"`
	Claim              string         `json:"claim"`
	Evaluation         string         `json:"evaluation"`
	Score              float64        `json:"score"`
	Breakdown          ScoreBreakdown `json:"score_breakdown"`
	Category           ClaimCategory  `json:"category"`
	Justification      Justification  `json:"justification"`
	Recommendations    []string       `json:"recommendations,omitempty"`
	ComparisonAnalysis []byte         `json:"comparison_analysis,omitempty"`
	Embedding          []float32      `json:"embedding,omitempty"`
	Status             RecordStatus   `json:"status"`
	Defunct            bool           `json:"defunct"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// RiskTier labels a score for reporting: <4 low, 4-7 medium, >=7 high.
type RiskTier string

const (
	RiskLow    RiskTier = "Low Risk"
	RiskMedium RiskTier = "Medium Risk"
	RiskHigh   RiskTier = "High Risk"
)

// TierForScore buckets a 0-10 greenwashing score into a risk tier.
func TierForScore(score float64) RiskTier {
	switch {
	case score >= 7:
		return RiskHigh
	case score >= 4:
		return RiskMedium
	}
	return RiskLow
}

// PrimaryStagingID returns the first staging row backing the statistic,
// or "" when none is linked.
func (s *Statistic) PrimaryStagingID() string {
	if len(s.StagingIDs) == 0 {
		return ""
	}
	return s.StagingIDs[0]
}
