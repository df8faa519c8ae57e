package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var ingestEventWait bool

var ingestEventCmd = &cobra.Command{
	Use:   "ingest-event <file>",
	Short: "Feed an upload-event envelope from disk",
	Long: `Feed a JSON upload-event envelope and start one execution per record.

The envelope has the shape
  {"Records":[{"s3":{"bucket":{"name":"..."},"object":{"key":"..."}}}]}
with object keys following userId/childId/iepId/filename. Pass "-" to read
the envelope from stdin.

Example:
  binder ingest-event event.json --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}

		s, err := buildServices(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		s.scheduler.Start(ctx)

		names, err := s.ingress.HandleEvent(ctx, data)
		for _, name := range names {
			fmt.Printf("started %s\n", name)
		}
		if err != nil {
			return err
		}

		if ingestEventWait {
			return s.waitForIdle(ctx)
		}
		return nil
	},
}

func init() {
	ingestEventCmd.Flags().BoolVar(&ingestEventWait, "wait", true, "block until started executions finish")
	rootCmd.AddCommand(ingestEventCmd)
}
