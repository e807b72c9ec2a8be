package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"hpc-bridge/core/common"
	"hpc-bridge/core/monitoring"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logsTail     int
	logsRefresh  bool
	logsFollow   bool
	logsInterval time.Duration
)

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Show a job's output",
	Long:  "Fetch new log bytes from the bridge past the cached offset and print the merged log. --refresh re-fetches from the beginning.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if logsFollow {
			return followLogs(cmd.Context(), a.controller, args[0])
		}

		res, err := a.controller.FetchLogs(cmd.Context(), args[0], logsTail, logsRefresh)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{
				"job_id":     args[0],
				"fetched":    res.Fetched,
				"size_bytes": res.Offset,
				"content":    string(res.Data),
			})
			return nil
		}
		if !res.Fetched {
			fmt.Fprintln(os.Stderr, "Log not available from the bridge yet; showing cached output")
		}
		os.Stdout.Write(res.Data)
		return nil
	},
}

func registerLogsCommand(root *cobra.Command) {
	root.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 0, "Show only the last N lines")
	logsCmd.Flags().BoolVar(&logsRefresh, "refresh", false, "Re-fetch the log from the beginning")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep printing new output until the job finishes")
	logsCmd.Flags().DurationVar(&logsInterval, "interval", 30*time.Second, "Poll interval for --follow")
}

// followLogs prints new bytes as they arrive and stops once the job is terminal and drained
func followLogs(ctx context.Context, ctrl *monitoring.Controller, id string) error {
	printed := int64(0)
	for {
		entry, err := ctrl.Refresh(ctx, id)
		if err != nil && !common.IsKind(err, common.KindBridgeUnreachable) {
			return err
		}
		res, err := ctrl.FetchLogs(ctx, id, 0, logsRefresh && printed == 0)
		if err != nil {
			logrus.Warnf("Failed to fetch log: %v", err)
		} else if res.Offset > printed {
			os.Stdout.Write(res.Data[printed:])
			printed = res.Offset
		}

		if entry.Status.IsTerminal() {
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nJob %s %s\n", id, entry.Status)
			}
			return terminalExit(entry)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(logsInterval):
		}
	}
}
