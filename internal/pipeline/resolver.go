package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/pkg/assistant"
	"github.com/green-detective/detective/pkg/embed"
)

const supersessionPrompt = `You compare one ESG claim against the company's most similar other
claims and decide whether it has been superseded: restated more recently,
corrected, or replaced by a newer commitment. Respond with a JSON object
containing at least {"defunct": true|false} plus any analysis fields you
find useful. Only mark defunct when a listed claim clearly supersedes it.`

// handleResolveStatistic decides whether one scored claim is superseded by
// the company's other claims. Idempotent like staging processing.
func (p *Pipeline) handleResolveStatistic(ctx context.Context, job *model.Job) error {
	var body recordPayload
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return eris.Wrap(err, "pipeline: decode statistic payload")
	}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("statistic_id", body.RecordID),
	)

	deferred, err := p.gateAdmission(ctx, job, p.store.CountProcessingStatistics,
		p.store.ResetStuckStatistics, model.JobResolveStatistic, log)
	if err != nil || deferred {
		return err
	}

	stat, err := p.store.GetStatistic(ctx, body.RecordID)
	if err != nil {
		return err
	}
	if stat.Defunct || stat.Status == model.StatusProcessed {
		log.Info("statistic already resolved", zap.String("status", string(stat.Status)))
		return nil
	}

	if err := p.store.UpdateStatisticStatus(ctx, stat.ID, model.StatusProcessing); err != nil {
		return err
	}

	analysis, defunct, err := p.resolveAgainstNeighbors(ctx, stat, log)
	if err != nil {
		if serr := p.store.UpdateStatisticStatus(ctx, stat.ID, model.StatusFailed); serr != nil {
			log.Warn("failed to mark statistic failed", zap.Error(serr))
		}
		return err
	}

	log.Info("statistic resolved", zap.Bool("defunct", defunct))
	return p.store.UpdateStatisticResolution(ctx, stat.ID, analysis, defunct)
}

// resolveAgainstNeighbors finds the claim's nearest non-defunct neighbors
// and asks the supersession assistant for a verdict. A claim with no
// neighbors is never defunct.
func (p *Pipeline) resolveAgainstNeighbors(ctx context.Context, stat *model.Statistic, log *zap.Logger) ([]byte, bool, error) {
	if len(stat.Embedding) == 0 {
		vec, err := p.embedder.Embed(ctx, stat.Claim+"\n"+stat.Evaluation)
		if err != nil {
			return nil, false, eris.Wrap(err, "pipeline: embed statistic")
		}
		if err := p.store.SetStatisticEmbedding(ctx, stat.ID, vec); err != nil {
			return nil, false, err
		}
		stat.Embedding = vec
	}

	all, err := p.store.ListStatistics(ctx, stat.CompanyID, false)
	if err != nil {
		return nil, false, err
	}
	var (
		candidates [][]float32
		claims     []*model.Statistic
	)
	for i := range all {
		other := &all[i]
		if other.ID == stat.ID || len(other.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, other.Embedding)
		claims = append(claims, other)
	}
	if len(candidates) == 0 {
		log.Info("no comparable claims, keeping")
		return nil, false, nil
	}

	neighbors := embed.TopK(stat.Embedding, candidates, p.neighborK())
	var sb strings.Builder
	fmt.Fprintf(&sb, "Claim under review:\n%s\n\nEvaluation:\n%s\n\nSimilar claims:\n", stat.Claim, stat.Evaluation)
	for i, n := range neighbors {
		other := claims[n.Index]
		fmt.Fprintf(&sb, "%d. [similarity %.2f, recorded %s] %s\n",
			i+1, n.Score, other.CreatedAt.Format("2006-01-02"), other.Claim)
	}

	handler := &resolveHandler{pipeline: p}
	run, err := p.startAssistantRun(ctx, p.cfg.Assistant.SupersessionID,
		[]assistant.ThreadMessage{
			{Role: "user", Content: supersessionPrompt},
			{Role: "user", Content: sb.String()},
		},
		&model.Run{StagingID: stat.PrimaryStagingID(), StatisticID: stat.ID},
	)
	if err != nil {
		return nil, false, err
	}
	handler.runID = run.ID

	_, err = assistant.ProcessRun(ctx, p.assistant,
		assistant.RunHandle{ThreadID: run.ThreadID, RunID: run.RemoteRunID},
		handler,
		assistant.WithPollInterval(p.cfg.Assistant.PollInterval()),
		assistant.WithPollTimeout(p.cfg.Assistant.PollTimeout()),
	)
	if err != nil {
		return nil, false, err
	}

	if uerr := p.store.UpdateRun(ctx, run.ID, model.RunCompleted, ""); uerr != nil {
		log.Warn("run status update failed", zap.String("run_id", run.ID), zap.Error(uerr))
	}
	return handler.analysis, handler.defunct, nil
}

func (p *Pipeline) neighborK() int {
	if p.cfg.Pipeline.NeighborK > 0 {
		return p.cfg.Pipeline.NeighborK
	}
	return 10
}

// resolveHandler parses the supersession verdict. An unparseable or
// non-object verdict keeps the claim: defuncting on garbage would silently
// drop real findings.
type resolveHandler struct {
	pipeline *Pipeline
	runID    string
	analysis []byte
	defunct  bool
}

func (h *resolveHandler) ProcessSteps(ctx context.Context, client assistant.Client, run *assistant.Run, steps []assistant.RunStep) error {
	ids := assistant.MessageCreationIDs(steps)
	for i := len(ids) - 1; i >= 0; i-- {
		msg, err := client.RetrieveMessage(ctx, run.ThreadID, ids[i])
		if err != nil {
			return err
		}
		analysis, defunct, ok := parseVerdict([]byte(msg.Text()))
		if !ok {
			continue
		}
		h.analysis = analysis
		h.defunct = defunct
		return nil
	}

	zap.L().Warn("pipeline: supersession verdict unparseable, keeping claim",
		zap.String("run_id", h.runID),
	)
	return nil
}

func (h *resolveHandler) HandleFailure(ctx context.Context, run *assistant.Run) error {
	detail := ""
	if run.LastError != nil {
		detail = run.LastError.Code + ": " + run.LastError.Message
	}
	return h.pipeline.store.UpdateRun(ctx, h.runID, model.RunStatus(run.Status), detail)
}

// parseVerdict extracts the defunct flag from a verdict object, returning
// the normalized object as the stored analysis.
func parseVerdict(payload []byte) ([]byte, bool, bool) {
	payload = bytes.TrimSpace(payload)
	payload = bytes.TrimPrefix(payload, []byte("```json"))
	payload = bytes.TrimPrefix(payload, []byte("```"))
	payload = bytes.TrimSuffix(bytes.TrimSpace(payload), []byte("```"))
	payload = bytes.TrimSpace(payload)

	var verdict map[string]json.RawMessage
	if err := json.Unmarshal(payload, &verdict); err != nil {
		return nil, false, false
	}
	var defunct bool
	if raw, ok := verdict["defunct"]; ok {
		if err := json.Unmarshal(raw, &defunct); err != nil {
			return nil, false, false
		}
	}
	return payload, defunct, true
}
