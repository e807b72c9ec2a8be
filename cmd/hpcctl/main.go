package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hpc-bridge/core/common"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes
const (
	exitSuccess         = 0
	exitGeneralError    = 1
	exitConfigError     = 10
	exitValidationError = 12
	exitAPIError        = 13
	exitTimeout         = 14
	exitJobNotFound     = 16
)

var (
	jsonOutput bool
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:           "hpcctl",
	Short:         "Submit and track HPC jobs through a workflow bridge",
	Long:          "hpcctl dispatches commands to the cluster through a forge workflow, tracks them in a local cache and bootstraps SSH tunnels on compute nodes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	registerSubmitCommand(rootCmd)
	registerStatusCommand(rootCmd)
	registerWaitCommand(rootCmd)
	registerLogsCommand(rootCmd)
	registerStopCommand(rootCmd)
	registerListCommand(rootCmd)
	registerRefreshCommand(rootCmd)
	registerPruneCommand(rootCmd)
	registerRemoveCommand(rootCmd)
	registerResourcesCommand(rootCmd)
	registerExecCommand(rootCmd)
	registerTunnelCommand(rootCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		code := exitCode(err)
		if code != exitSuccess {
			reportError(err, code)
		}
		os.Exit(code)
	}
}

// exitError carries an explicit exit code
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		return exitJobNotFound
	case errors.Is(err, common.ErrWaitTimeout):
		return exitTimeout
	case common.IsKind(err, common.KindResolution):
		return exitValidationError
	case common.IsKind(err, common.KindDispatchRejected),
		common.IsKind(err, common.KindBridgeTransient),
		common.IsKind(err, common.KindBridgeUnreachable):
		return exitAPIError
	}
	return exitGeneralError
}

func reportError(err error, code int) {
	if jsonOutput {
		kind := string(common.KindOf(err))
		if kind == "" {
			kind = "Error"
		}
		printJSON(map[string]interface{}{
			"success":   false,
			"error":     map[string]interface{}{"type": kind, "message": err.Error()},
			"exit_code": code,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
