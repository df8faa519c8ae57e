package main

import (
	"github.com/spf13/cobra"

	"github.com/edbinder/binder/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the binder pipeline service",
	Long: `Run the binder pipeline service.

Interrupted executions are resumed from their persisted job records; each
re-reads its saved artifacts and only re-runs the stages that have not
completed. The config file is watched for changes; provider credentials
and rate limits take effect on restart.

Examples:
  binder serve                   # Run with ~/.binder/config.yaml
  binder serve --config ./config.yaml
  binder serve --debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := buildServices(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		s.scheduler.Start(ctx)

		resumed, err := s.scheduler.Resume(ctx)
		if err != nil {
			s.logger.Warn("failed to resume interrupted executions", "error", err)
		} else if resumed > 0 {
			s.logger.Info("resumed interrupted executions", "count", resumed)
		}

		s.cfgMgr.OnChange(func(cfg *config.Config) {
			s.logger.Info("configuration reloaded",
				"documents_table", cfg.Storage.DocumentsTable,
				"bucket", cfg.Storage.Bucket)
		})
		s.cfgMgr.WatchConfig()

		s.logger.Info("binder service started", "home", s.home.Path())
		<-ctx.Done()
		s.logger.Info("binder service stopping")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
