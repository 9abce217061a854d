package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/internal/scoring"
)

// rawClaim is one claim as emitted by the extraction assistant, before
// scoring.
type rawClaim struct {
	Claim           string   `json:"claim"`
	Evaluation      string   `json:"evaluation"`
	Category        string   `json:"category"`
	Evidence        string   `json:"evidence"`
	Impact          string   `json:"impact"`
	DateContext     string   `json:"date_context"`
	Recommendations []string `json:"recommendations"`
}

// claimListKeys are the envelope keys the assistant has been observed to
// wrap its claim list in, tried in order.
var claimListKeys = []string{"claims", "greenwashing_claims", "data", "results", "0"}

// decodeClaims parses the assistant's output. The payload is either an
// object wrapping the list under one of the known keys or a bare list;
// anything else fails closed so a malformed response is retried rather
// than silently scored as zero claims.
func decodeClaims(payload []byte) ([]rawClaim, error) {
	payload = bytes.TrimSpace(payload)

	// Models wrap JSON in markdown fences often enough to be worth
	// stripping here.
	payload = bytes.TrimPrefix(payload, []byte("```json"))
	payload = bytes.TrimPrefix(payload, []byte("```"))
	payload = bytes.TrimSuffix(bytes.TrimSpace(payload), []byte("```"))
	payload = bytes.TrimSpace(payload)

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err == nil {
		for _, key := range claimListKeys {
			raw, ok := envelope[key]
			if !ok {
				continue
			}
			var claims []rawClaim
			if err := json.Unmarshal(raw, &claims); err != nil {
				return nil, eris.Wrapf(err, "pipeline: claim list under %q", key)
			}
			return claims, nil
		}
		return nil, eris.Errorf("pipeline: no claim list key in response (keys tried: %v)", claimListKeys)
	}

	var claims []rawClaim
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, eris.Wrap(err, "pipeline: claim response is neither object nor list")
	}
	return claims, nil
}

// buildStatistics scores and embeds each extracted claim. Claims with no
// evaluation are skipped with a warning; embedding failures leave the
// vector empty for the resolver to fill in later.
func (p *Pipeline) buildStatistics(ctx context.Context, staging *model.Staging, claims []rawClaim, log *zap.Logger) []model.Statistic {
	texts := make([]string, 0, len(claims))
	for _, c := range claims {
		texts = append(texts, c.Claim)
	}

	now := time.Now().UTC()
	stats := make([]model.Statistic, 0, len(claims))
	for i, claim := range claims {
		if claim.Evaluation == "" {
			log.Warn("claim has no evaluation, skipping", zap.String("claim", claim.Claim))
			continue
		}

		timeScore, timeExpl := scoring.TimeRelevance(claim.DateContext)
		consScore, consExpl := scoring.Consistency(claim.Claim, otherTexts(texts, i))
		result := scoring.Calculate(scoring.Criteria{
			Category:    model.ParseCategory(claim.Category),
			Evidence:    scoring.ParseEvidence(claim.Evidence),
			Impact:      scoring.ParseImpact(claim.Impact),
			Time:        timeScore,
			Consistency: consScore,
		})

		embedding, err := p.embedder.Embed(ctx, claim.Claim+"\n"+claim.Evaluation)
		if err != nil {
			log.Warn("claim embedding failed, deferring to resolver", zap.Error(err))
			embedding = nil
		}

		stats = append(stats, model.Statistic{
			ID:         uuid.New().String(),
			CompanyID:  staging.CompanyID,
			StagingIDs: []string{staging.ID},
			Claim:      claim.Claim,
			Evaluation: claim.Evaluation,
			Score:      result.Total,
			Breakdown:  result.Breakdown,
			Category:   result.Category,
			Justification: model.Justification{
				Evidence:    claim.Evidence,
				Impact:      claim.Impact,
				TimeContext: model.TimeContext{Explanation: timeExpl, Date: claim.DateContext},
				Consistency: model.ConsistencyContext{Explanation: consExpl},
			},
			Recommendations: claim.Recommendations,
			Embedding:       embedding,
			Status:          model.StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return stats
}

// otherTexts returns every claim text except index i, for consistency
// comparison within the batch.
func otherTexts(texts []string, i int) []string {
	out := make([]string, 0, len(texts)-1)
	for j, t := range texts {
		if j != i {
			out = append(out, t)
		}
	}
	return out
}
