package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/internal/report"
)

const recommendationsPrompt = `You are preparing the executive summary of a greenwashing risk report.
From the raw per-claim recommendations below, produce the 10 most
important distinct recommendations, most urgent first, one per line, no
numbering or bullets.`

const narrativePrompt = `Write a 3-5 sentence executive narrative of this company's greenwashing
risk profile for a compliance audience. Plain prose, no markdown.`

// summarizeFindings fills the summary's narrative fields via the
// completion model. Summarization failures degrade to the raw
// recommendation list; the numbers are the contract, the prose is garnish.
func (p *Pipeline) summarizeFindings(ctx context.Context, company *model.Company, s *report.Summary, stats []model.Statistic) {
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("company", company.Domain),
	)

	raw := collectRecommendations(stats)
	if len(raw) > 0 {
		summarized, err := p.summarizer.Complete(ctx, recommendationsPrompt, strings.Join(raw, "\n"))
		if err != nil {
			log.Warn("recommendation summarization failed, using raw list", zap.Error(err))
			s.Recommendations = topN(raw, 10)
		} else {
			s.Recommendations = topN(splitLines(summarized), 10)
		}
	}

	profile := fmt.Sprintf(
		"Company: %s\nClaims analyzed: %d\nMean score: %.2f (%s)\nMedian: %.2f, StdDev: %.2f, P90: %.2f",
		company.Name, s.Count, s.Mean, s.Tier, s.Median, s.StdDev, s.P90,
	)
	narrative, err := p.summarizer.Complete(ctx, narrativePrompt, profile)
	if err != nil {
		log.Warn("narrative generation failed", zap.Error(err))
		return
	}
	s.Narrative = strings.TrimSpace(narrative)
}

// collectRecommendations gathers the distinct per-claim recommendations,
// highest-scoring claims first.
func collectRecommendations(stats []model.Statistic) []string {
	ordered := make([]model.Statistic, len(stats))
	copy(ordered, stats)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	seen := make(map[string]bool)
	var out []string
	for _, stat := range ordered {
		for _, rec := range stat.Recommendations {
			rec = strings.TrimSpace(rec)
			if rec == "" || seen[strings.ToLower(rec)] {
				continue
			}
			seen[strings.ToLower(rec)] = true
			out = append(out, rec)
		}
	}
	return out
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func topN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
