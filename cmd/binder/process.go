package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edbinder/binder/internal/ingest"
	"github.com/edbinder/binder/internal/store"
)

var processReq ingest.Request

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process one uploaded document and wait for completion",
	Long: `Process one uploaded document, bypassing the event envelope.

The upload must already exist in the blob store. The command blocks until
the execution finishes and prints the resulting record status.

Example:
  binder process --iep iep1 --child child1 --user user1 \
    --bucket uploads --key user1/child1/iep1/scan.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := buildServices(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		s.scheduler.Start(ctx)

		name, err := s.ingress.Process(ctx, processReq)
		if err != nil {
			return err
		}
		s.logger.Info("execution started", "execution", name)

		if err := s.waitForIdle(ctx); err != nil {
			return err
		}
		return printRecordStatus(ctx, s, processReq.IEPID, processReq.ChildID)
	},
}

func printRecordStatus(ctx context.Context, s *services, iepID, childID string) error {
	rec, err := s.store.GetDocument(ctx, iepID, childID)
	if err != nil {
		return err
	}
	fmt.Printf("status:   %s\n", rec.Status)
	fmt.Printf("progress: %d\n", rec.Progress)
	fmt.Printf("step:     %s\n", rec.CurrentStep)
	if rec.LastError != "" {
		fmt.Printf("error:    %s (step %s)\n", rec.LastError, rec.FailedStep)
	}
	if rec.Status == store.StatusFailed {
		return fmt.Errorf("execution failed at %s", rec.FailedStep)
	}
	return nil
}

func init() {
	processCmd.Flags().StringVar(&processReq.IEPID, "iep", "", "IEP document ID")
	processCmd.Flags().StringVar(&processReq.ChildID, "child", "", "child ID")
	processCmd.Flags().StringVar(&processReq.UserID, "user", "", "owning user ID")
	processCmd.Flags().StringVar(&processReq.Bucket, "bucket", "", "upload bucket")
	processCmd.Flags().StringVar(&processReq.Key, "key", "", "upload object key")
	processCmd.MarkFlagRequired("iep")
	processCmd.MarkFlagRequired("child")
	processCmd.MarkFlagRequired("user")
	processCmd.MarkFlagRequired("bucket")
	processCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(processCmd)
}
