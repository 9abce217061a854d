// Package scoring implements the deterministic greenwashing risk scorer.
// Higher scores mean higher greenwashing risk: a claim with strong,
// verifiable backing scores low.
package scoring

import (
	"strings"

	"github.com/green-detective/detective/internal/model"
)

// EvidenceStrength grades how unsupported a claim is, 0-4.
type EvidenceStrength int

const (
	EvidenceVerified    EvidenceStrength = 0 // third-party verified, audited
	EvidenceDocumented  EvidenceStrength = 1 // internal data, partial verification
	EvidenceVague       EvidenceStrength = 2 // marketing language, no backing
	EvidenceUnsupported EvidenceStrength = 3 // no evidence at all
	EvidenceMisleading  EvidenceStrength = 4 // deliberately misleading
)

// ClaimImpact grades how overstated the claimed impact is, 0-4.
type ClaimImpact int

const (
	ImpactAccurate    ClaimImpact = 0
	ImpactModest      ClaimImpact = 1
	ImpactInflated    ClaimImpact = 2
	ImpactExaggerated ClaimImpact = 3
	ImpactDeceptive   ClaimImpact = 4
)

// Component weights. Max raw score is 4*1.75 + 4*1.5 + 1*0.75 + 1*0.75 = 14.5.
const (
	weightEvidence    = 1.75
	weightImpact      = 1.5
	weightTime        = 0.75
	weightConsistency = 0.75
	maxRawScore       = 14.5
)

// Criteria are the scorer inputs for one claim.
type Criteria struct {
	Category    model.ClaimCategory
	Evidence    EvidenceStrength
	Impact      ClaimImpact
	Time        float64 // 0-1, from time relevance analysis
	Consistency float64 // 0-1, from consistency analysis
}

// Result is the scored output: normalized total plus weighted components.
type Result struct {
	Total     float64
	Breakdown model.ScoreBreakdown
	Category  model.ClaimCategory
}

// Calculate maps criteria to a 0-10 risk score. Pure: same inputs always
// produce the same output.
func Calculate(c Criteria) Result {
	bd := model.ScoreBreakdown{
		Evidence:      float64(clampGrade(int(c.Evidence))) * weightEvidence,
		Impact:        float64(clampGrade(int(c.Impact))) * weightImpact,
		TimeRelevance: clampUnit(c.Time) * weightTime,
		Consistency:   clampUnit(c.Consistency) * weightConsistency,
	}

	raw := bd.Evidence + bd.Impact + bd.TimeRelevance + bd.Consistency
	total := raw / maxRawScore * 10
	if total > 10 {
		total = 10
	}

	return Result{
		Total:     total,
		Breakdown: bd,
		Category:  c.Category,
	}
}

// ParseEvidence maps model output ("VERIFIED", "misleading", "3", ...) to a
// grade, defaulting to unsupported when unrecognized.
func ParseEvidence(s string) EvidenceStrength {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VERIFIED", "STRONG", "0":
		return EvidenceVerified
	case "DOCUMENTED", "MODERATE", "1":
		return EvidenceDocumented
	case "VAGUE", "WEAK", "2":
		return EvidenceVague
	case "UNSUPPORTED", "NONE", "3":
		return EvidenceUnsupported
	case "MISLEADING", "4":
		return EvidenceMisleading
	}
	return EvidenceUnsupported
}

// ParseImpact maps model output to an impact grade, defaulting to inflated.
func ParseImpact(s string) ClaimImpact {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCURATE", "0":
		return ImpactAccurate
	case "MODEST", "LOW", "1":
		return ImpactModest
	case "INFLATED", "MEDIUM", "2":
		return ImpactInflated
	case "EXAGGERATED", "HIGH", "3":
		return ImpactExaggerated
	case "DECEPTIVE", "OVERSTATED", "4":
		return ImpactDeceptive
	}
	return ImpactInflated
}

func clampGrade(v int) int {
	if v < 0 {
		return 0
	}
	if v > 4 {
		return 4
	}
	return v
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
