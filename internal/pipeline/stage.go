package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/internal/resilience"
	"github.com/green-detective/detective/pkg/assistant"
)

const claimExtractionPrompt = `You are an ESG claims auditor. Extract every environmental, social, or
governance claim the company makes in the page text below. For each claim
return an object with fields: claim (verbatim or tightly paraphrased),
evaluation (your critical assessment of its substantiation), category
(environmental|social|governance|product|general), evidence
(VERIFIED|DOCUMENTED|VAGUE|UNSUPPORTED|MISLEADING), impact
(ACCURATE|MODEST|INFLATED|EXAGGERATED|DECEPTIVE), date_context (any date
or time reference attached to the claim), and recommendations (a short
list of concrete fixes). Respond with a JSON object {"claims": [...]}.`

// handleProcessStaging extracts and scores the claims on one staged page.
// Idempotent: a record that is already PROCESSED, or defunct, is a no-op.
func (p *Pipeline) handleProcessStaging(ctx context.Context, job *model.Job) error {
	var body recordPayload
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return eris.Wrap(err, "pipeline: decode staging payload")
	}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("staging_id", body.RecordID),
	)

	deferred, err := p.gateAdmission(ctx, job, p.store.CountProcessingStaging,
		p.store.ResetStuckStaging, model.JobProcessStaging, log)
	if err != nil || deferred {
		return err
	}

	staging, err := p.store.GetStaging(ctx, body.RecordID)
	if err != nil {
		return err
	}
	if staging.Defunct || staging.Status == model.StatusProcessed {
		log.Info("staging record already handled", zap.String("status", string(staging.Status)))
		return nil
	}
	company, err := p.store.GetCompany(ctx, staging.CompanyID)
	if err != nil {
		return err
	}

	if err := p.store.UpdateStagingStatus(ctx, staging.ID, model.StatusProcessing); err != nil {
		return err
	}

	claims, err := p.extractClaims(ctx, staging, company)
	if err != nil {
		if serr := p.store.UpdateStagingStatus(ctx, staging.ID, model.StatusFailed); serr != nil {
			log.Warn("failed to mark staging failed", zap.Error(serr))
		}
		return err
	}

	stats := p.buildStatistics(ctx, staging, claims, log)
	if len(stats) > 0 {
		err := resilience.Do(ctx, p.saveRetryConfig(), func(ctx context.Context) error {
			return p.store.BatchCreateStatistics(ctx, stats)
		})
		if err != nil {
			if serr := p.store.UpdateStagingStatus(ctx, staging.ID, model.StatusFailed); serr != nil {
				log.Warn("failed to mark staging failed", zap.Error(serr))
			}
			return err
		}
	}

	log.Info("staging record processed",
		zap.Int("claims", len(claims)),
		zap.Int("statistics", len(stats)),
	)
	return p.store.UpdateStagingStatus(ctx, staging.ID, model.StatusProcessed)
}

// extractClaims runs the extraction assistant over the staged text and
// returns the parsed claim list.
func (p *Pipeline) extractClaims(ctx context.Context, staging *model.Staging, company *model.Company) ([]rawClaim, error) {
	prompt := fmt.Sprintf("Company: %s (%s)\nAbout: %s\nSource URL: %s\n\nPage text:\n%s",
		company.Name, company.Domain, company.AboutSummary, staging.URL, staging.Raw)

	handler := &extractionHandler{pipeline: p}
	run, err := p.startAssistantRun(ctx, p.cfg.Assistant.ExtractionID,
		[]assistant.ThreadMessage{
			{Role: "user", Content: claimExtractionPrompt},
			{Role: "user", Content: prompt},
		},
		&model.Run{StagingID: staging.ID},
	)
	if err != nil {
		return nil, err
	}
	handler.runID = run.ID

	_, err = assistant.ProcessRun(ctx, p.assistant,
		assistant.RunHandle{ThreadID: run.ThreadID, RunID: run.RemoteRunID},
		handler,
		assistant.WithPollInterval(p.cfg.Assistant.PollInterval()),
		assistant.WithPollTimeout(p.cfg.Assistant.PollTimeout()),
	)
	if err != nil {
		return nil, err
	}

	if uerr := p.store.UpdateRun(ctx, run.ID, model.RunCompleted, ""); uerr != nil {
		zap.L().Warn("pipeline: run status update failed", zap.String("run_id", run.ID), zap.Error(uerr))
	}
	return handler.claims, nil
}

// startAssistantRun creates a thread and run with the provider and records
// the attempt as a Run row.
func (p *Pipeline) startAssistantRun(ctx context.Context, assistantID string, messages []assistant.ThreadMessage, run *model.Run) (*model.Run, error) {
	thread, err := p.assistant.CreateThread(ctx, messages)
	if err != nil {
		return nil, err
	}
	remote, err := p.assistant.CreateRun(ctx, thread.ID, assistantID)
	if err != nil {
		return nil, err
	}

	run.ID = uuid.New().String()
	run.ThreadID = thread.ID
	run.RemoteRunID = remote.ID
	run.Status = model.RunStatus(remote.Status)
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// extractionHandler parses the extraction run's output messages. The
// newest message wins; earlier messages are only consulted when later ones
// do not parse.
type extractionHandler struct {
	pipeline *Pipeline
	runID    string
	claims   []rawClaim
}

func (h *extractionHandler) ProcessSteps(ctx context.Context, client assistant.Client, run *assistant.Run, steps []assistant.RunStep) error {
	ids := assistant.MessageCreationIDs(steps)
	if len(ids) == 0 {
		return eris.Errorf("pipeline: run %s produced no messages", run.ID)
	}

	var lastErr error
	for i := len(ids) - 1; i >= 0; i-- {
		msg, err := client.RetrieveMessage(ctx, run.ThreadID, ids[i])
		if err != nil {
			return err
		}
		claims, err := decodeClaims([]byte(msg.Text()))
		if err != nil {
			lastErr = err
			continue
		}
		h.claims = claims
		return nil
	}
	return eris.Wrapf(lastErr, "pipeline: no parseable claims in run %s", run.ID)
}

func (h *extractionHandler) HandleFailure(ctx context.Context, run *assistant.Run) error {
	detail := ""
	if run.LastError != nil {
		detail = run.LastError.Code + ": " + run.LastError.Message
	}
	return h.pipeline.store.UpdateRun(ctx, h.runID, model.RunStatus(run.Status), detail)
}

// gateAdmission enforces the global PROCESSING cap. When the system is
// saturated it sweeps stuck rows back to PENDING, requeues them and the
// current job with jitter, and reports the job deferred.
func (p *Pipeline) gateAdmission(
	ctx context.Context,
	job *model.Job,
	countFn func(context.Context) (int, error),
	resetFn func(context.Context, time.Duration) ([]string, error),
	requeueKind string,
	log *zap.Logger,
) (bool, error) {
	processing, err := countFn(ctx)
	if err != nil {
		return false, err
	}
	if processing < p.cfg.Pipeline.MaxProcessing {
		return false, nil
	}

	reset, err := resetFn(ctx, p.cfg.Pipeline.StaleWindow())
	if err != nil {
		return false, err
	}
	var body recordPayload
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return false, eris.Wrap(err, "pipeline: decode record payload")
	}
	for _, id := range reset {
		err := p.enqueue(ctx, job.Queue, requeueKind,
			recordPayload{ReportID: body.ReportID, RecordID: id},
			time.Now().UTC().Add(jitteredDelay(60*time.Second, 120*time.Second)))
		if err != nil {
			return false, err
		}
	}

	log.Info("admission gate full, deferring",
		zap.Int("processing", processing),
		zap.Int("stale_reset", len(reset)),
	)
	err = p.enqueue(ctx, job.Queue, job.Kind, body,
		time.Now().UTC().Add(jitteredDelay(60*time.Second, 120*time.Second)))
	return true, err
}

func (p *Pipeline) saveRetryConfig() resilience.RetryConfig {
	cfg := resilience.StoreRetryConfig()
	if p.cfg.Pipeline.SaveRetries > 0 {
		cfg.MaxAttempts = p.cfg.Pipeline.SaveRetries
	}
	cfg.OnRetry = resilience.RetryLogger("store", "batch create statistics")
	return cfg
}
