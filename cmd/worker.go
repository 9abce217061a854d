package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline job workers",
	Long:  "Consumes the durable job queues and runs every pipeline stage. Scale out by running more worker processes against the same database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		w := queue.New(env.store, cfg.Workers)
		env.pipeline.RegisterHandlers(w)

		zap.L().Info("worker starting",
			zap.Int("general", cfg.Workers.General),
			zap.Int("scraping", cfg.Workers.Scraping),
			zap.Int("prestaging", cfg.Workers.PreStaging),
			zap.Int("poststaging", cfg.Workers.PostStaging),
		)
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
