package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
)

var (
	reportURLs []string
	reportUser string
	reportWait bool
)

var reportCmd = &cobra.Command{
	Use:   "report <domain>",
	Short: "Request a greenwashing report for a domain",
	Long:  "Creates (or reuses) the company for the domain, queues a report run, and optionally waits for it to finish. Needs a running worker to make progress.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(reportURLs) > model.MaxReportURLs {
			return eris.Errorf("at most %d explicit urls per report", model.MaxReportURLs)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		domain := args[0]
		company, err := env.store.EnsureCompany(ctx, model.NameFromDomain(domain), domain)
		if err != nil {
			return err
		}
		report, err := env.store.CreateReport(ctx, company.ID, reportUser, reportURLs)
		if err != nil {
			return err
		}
		if err := env.pipeline.StartReport(ctx, report.ID); err != nil {
			return err
		}

		zap.L().Info("report queued",
			zap.String("report_id", report.ID),
			zap.String("company", company.Domain),
			zap.Int("urls", len(reportURLs)),
		)
		fmt.Printf("report %s queued for %s\n", report.ID, company.Domain)

		if !reportWait {
			return nil
		}
		return waitForReport(cmd, env, report.ID)
	},
}

func waitForReport(cmd *cobra.Command, env *appEnv, reportID string) error {
	ctx := cmd.Context()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		report, err := env.store.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if !report.Status.Terminal() {
			continue
		}
		if report.Status != model.ReportStatusProcessed {
			return eris.Errorf("report ended %s", report.Status)
		}
		fmt.Printf("report ready: %s\n", report.OutputURL)
		return nil
	}
}

func init() {
	reportCmd.Flags().StringSliceVar(&reportURLs, "url", nil, "restrict analysis to these URLs (repeatable)")
	reportCmd.Flags().StringVar(&reportUser, "user", "", "requesting user id")
	reportCmd.Flags().BoolVar(&reportWait, "wait", false, "block until the report finishes")
	rootCmd.AddCommand(reportCmd)
}
