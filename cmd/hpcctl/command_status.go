package main

import (
	"errors"
	"fmt"
	"time"

	"hpc-bridge/core/common"

	"github.com/spf13/cobra"
)

var (
	statusCached bool
	waitTimeout  time.Duration
	waitInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Poll the bridge once and show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if statusCached {
			entry, err := a.controller.Get(args[0])
			if err != nil {
				return err
			}
			printJob(entry)
			return nil
		}

		entry, err := a.controller.Refresh(cmd.Context(), args[0])
		if entry.ID != "" {
			printJob(entry)
		}
		return err
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Wait for a job to reach a terminal state",
	Long:  "Poll until the job succeeds, fails or is stopped. Every observation is saved, so an interrupted wait can simply be run again. Exits 0 on success, 1 on failure and 14 on timeout.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Waiting for job %s (timeout: %s)\n", args[0], waitTimeout)
		}
		entry, err := a.controller.Wait(cmd.Context(), args[0], waitInterval, waitTimeout)
		if errors.Is(err, common.ErrWaitTimeout) {
			printJob(entry)
			return withExitCode(exitTimeout, fmt.Errorf("timeout after %s", waitTimeout))
		}
		if err != nil {
			return err
		}
		printJob(entry)
		return terminalExit(entry)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Cancel a job's remote execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		entry, err := a.controller.Stop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJob(entry)
		return nil
	},
}

func registerStatusCommand(root *cobra.Command) {
	root.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusCached, "cached", false, "Show the cached state without contacting the bridge")
}

func registerWaitCommand(root *cobra.Command) {
	root.AddCommand(waitCmd)
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 4*time.Hour, "Give up after this long (0 waits forever)")
	waitCmd.Flags().DurationVar(&waitInterval, "interval", 0, "Poll interval (default from HPC_POLL_INTERVAL)")
}

func registerStopCommand(root *cobra.Command) {
	root.AddCommand(stopCmd)
}
