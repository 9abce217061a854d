package assistant

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollTimeout  = 5 * time.Minute
)

// Run status values reported by the API.
const (
	StatusQueued         = "queued"
	StatusInProgress     = "in_progress"
	StatusRequiresAction = "requires_action"
	StatusCancelling     = "cancelling"
	StatusCancelled      = "cancelled"
	StatusFailed         = "failed"
	StatusCompleted      = "completed"
	StatusExpired        = "expired"
)

// RunHandle identifies a run to poll.
type RunHandle struct {
	ThreadID string
	RunID    string
}

// StepHandler consumes the outcome of a polled run. ProcessSteps receives
// the completed run's steps; HandleFailure receives the run in its terminal
// failure state. Implementations own the parsing and persistence.
type StepHandler interface {
	ProcessSteps(ctx context.Context, client Client, run *Run, steps []RunStep) error
	HandleFailure(ctx context.Context, run *Run) error
}

// PollOption configures ProcessRun.
type PollOption func(*pollConfig)

type pollConfig struct {
	interval time.Duration
	timeout  time.Duration
}

// WithPollInterval overrides the poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.interval = d
	}
}

// WithPollTimeout overrides the default timeout (applied only if the parent
// context has no deadline).
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.timeout = d
	}
}

// ProcessRun polls a run until it reaches a terminal state, then dispatches
// to the handler. Completed runs get their steps; failed, cancelled, and
// expired runs go through HandleFailure, as does any status this package
// does not recognize. Returns the final run state.
func ProcessRun(ctx context.Context, client Client, handle RunHandle, handler StepHandler, opts ...PollOption) (*Run, error) {
	cfg := pollConfig{
		interval: defaultPollInterval,
		timeout:  defaultPollTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	for {
		run, err := client.RetrieveRun(ctx, handle.ThreadID, handle.RunID)
		if err != nil {
			return nil, eris.Wrapf(err, "assistant: poll run %s", handle.RunID)
		}

		switch run.Status {
		case StatusQueued, StatusInProgress, StatusRequiresAction, StatusCancelling:
			// Still working; requires_action has no tool outputs to submit
			// in this protocol, so it resolves or times out on its own.

		case StatusCompleted:
			steps, err := client.ListRunSteps(ctx, handle.ThreadID, handle.RunID)
			if err != nil {
				return run, eris.Wrapf(err, "assistant: list steps for run %s", handle.RunID)
			}
			if err := handler.ProcessSteps(ctx, client, run, steps); err != nil {
				return run, eris.Wrapf(err, "assistant: process steps for run %s", handle.RunID)
			}
			return run, nil

		case StatusFailed, StatusCancelled, StatusExpired:
			if err := handler.HandleFailure(ctx, run); err != nil {
				return run, eris.Wrapf(err, "assistant: handle failure for run %s", handle.RunID)
			}
			return run, eris.Errorf("assistant: run %s ended %s: %s", handle.RunID, run.Status, runErrorDetail(run))

		default:
			// Unknown status: treat as failure rather than poll forever.
			zap.L().Warn("assistant: unknown run status",
				zap.String("run_id", handle.RunID),
				zap.String("status", run.Status),
			)
			if err := handler.HandleFailure(ctx, run); err != nil {
				return run, eris.Wrapf(err, "assistant: handle failure for run %s", handle.RunID)
			}
			return run, eris.Errorf("assistant: run %s has unknown status %q", handle.RunID, run.Status)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "assistant: poll run %s timed out", handle.RunID)
		case <-time.After(cfg.interval):
		}
	}
}

// MessageCreationIDs returns the message IDs written by message_creation
// steps, in step order.
func MessageCreationIDs(steps []RunStep) []string {
	var ids []string
	for _, step := range steps {
		if step.StepDetails.Type != "message_creation" || step.StepDetails.MessageCreation == nil {
			continue
		}
		if id := step.StepDetails.MessageCreation.MessageID; id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func runErrorDetail(run *Run) string {
	if run.LastError == nil {
		return "no error detail"
	}
	return run.LastError.Code + ": " + run.LastError.Message
}
