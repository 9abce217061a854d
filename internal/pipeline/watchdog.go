package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
)

// restartBudget caps whole-pipeline restarts before a report is failed.
const restartBudget = 2

// checkPhase parameterizes the completion checker over the two record
// kinds it watches.
type checkPhase struct {
	kind        string
	recordKind  string
	recordQueue string
	count       func(context.Context, string) (map[model.RecordStatus]int, error)
	resetStuck  func(context.Context, time.Duration) ([]string, error)
}

func (p *Pipeline) handleCheckStaging(ctx context.Context, job *model.Job) error {
	return p.runCheck(ctx, job, checkPhase{
		kind:        model.JobCheckStaging,
		recordKind:  model.JobProcessStaging,
		recordQueue: model.QueuePreStaging,
		count:       p.store.CountStagingByStatus,
		resetStuck:  p.store.ResetStuckStaging,
	})
}

func (p *Pipeline) handleCheckStatistics(ctx context.Context, job *model.Job) error {
	return p.runCheck(ctx, job, checkPhase{
		kind:        model.JobCheckStatistics,
		recordKind:  model.JobResolveStatistic,
		recordQueue: model.QueuePostStaging,
		count:       p.store.CountStatisticsByStatus,
		resetStuck:  p.store.ResetStuckStatistics,
	})
}

// runCheck is the completion poll for one phase. It sweeps stuck rows back
// to PENDING, advances the report when the phase drains, and restarts the
// whole pipeline after repeated zero-progress polls. Reports stuck in
// PROCESSING past the hard ceiling are failed outright.
func (p *Pipeline) runCheck(ctx context.Context, job *model.Job, phase checkPhase) error {
	var body checkPayload
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return eris.Wrap(err, "pipeline: decode check payload")
	}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("check", phase.kind),
		zap.String("report_id", body.ReportID),
	)

	stuckWindow := time.Duration(p.cfg.Pipeline.ReportStuckAfterMins) * time.Minute
	if failed, err := p.store.FailStuckReports(ctx, stuckWindow); err != nil {
		log.Warn("stuck report sweep failed", zap.Error(err))
	} else if failed > 0 {
		log.Warn("failed stuck reports", zap.Int("count", failed))
	}

	report, err := p.store.GetReport(ctx, body.ReportID)
	if err != nil {
		return err
	}
	if report.Status.Terminal() {
		log.Info("report terminal, stopping checks", zap.String("status", string(report.Status)))
		return nil
	}
	company, err := p.store.GetCompany(ctx, report.CompanyID)
	if err != nil {
		return err
	}

	counts, err := phase.count(ctx, company.ID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	remaining := counts[model.StatusPending] + counts[model.StatusProcessing]
	if remaining == 0 {
		log.Info("phase drained, advancing")
		return p.dispatchNext(ctx, report, company, log)
	}

	// Requeue anything the staleness sweep re-pended.
	reset, err := phase.resetStuck(ctx, p.cfg.Pipeline.StaleWindow())
	if err != nil {
		return err
	}
	for _, id := range reset {
		err := p.enqueue(ctx, phase.recordQueue, phase.recordKind,
			recordPayload{ReportID: report.ID, RecordID: id},
			time.Now().UTC().Add(jitteredDelay(time.Second, 30*time.Second)))
		if err != nil {
			return err
		}
	}

	stalls := 0
	if body.LastRemaining > 0 && remaining >= body.LastRemaining {
		stalls = body.Stalls + 1
	}
	percent := 0.0
	if total > 0 {
		percent = float64(total-remaining) / float64(total) * 100
	}
	log.Info("phase still in flight",
		zap.Int("remaining", remaining),
		zap.String("progress", fmt.Sprintf("%.0f%%", percent)),
		zap.Int("stale_reset", len(reset)),
		zap.Int("stalls", stalls),
	)

	if stalls >= p.stallRetries() {
		return p.restartPipeline(ctx, report, log)
	}

	return p.enqueue(ctx, model.QueueGeneral, phase.kind,
		checkPayload{ReportID: report.ID, LastRemaining: remaining, Stalls: stalls},
		time.Now().UTC().Add(p.cfg.Pipeline.CheckInterval()))
}

// restartPipeline re-runs the report from start after repeated stalls,
// failing it once the restart budget is spent.
func (p *Pipeline) restartPipeline(ctx context.Context, report *model.Report, log *zap.Logger) error {
	restarts, err := p.store.IncrementReportRestarts(ctx, report.ID)
	if err != nil {
		return err
	}
	if restarts > restartBudget {
		p.failReport(ctx, report.ID, eris.Errorf("pipeline: restart budget exhausted after %d restarts", restarts-1))
		return nil
	}
	log.Warn("no progress, restarting pipeline", zap.Int("restart", restarts))
	return p.enqueue(ctx, model.QueueGeneral, model.JobStartReport,
		reportPayload{ReportID: report.ID}, time.Now().UTC())
}

func (p *Pipeline) stallRetries() int {
	if p.cfg.Pipeline.StallRetries > 0 {
		return p.cfg.Pipeline.StallRetries
	}
	return 2
}
