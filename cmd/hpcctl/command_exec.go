package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"hpc-bridge/core/common"
	"hpc-bridge/core/executor"
	"hpc-bridge/core/models"
	"hpc-bridge/core/monitoring"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	execBridge   string
	execIdentity string
	execNoTunnel bool
	execResource string
	execTimeout  time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec <command>",
	Short: "Run a command in the target directory on the cluster and print its output",
	Long: `Runs the command over the SSH tunnel of a configured bridge when one answers,
otherwise submits it as a workflow job, waits for it and prints its log.
The tunnel path needs a bridge profile and a private key; the workflow path needs --resource.`,
	Example: `  hpcctl exec "nvidia-smi"
  hpcctl exec "pip install -r requirements.txt" --timeout 10m
  hpcctl exec "ls outputs" --no-tunnel -r H100`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}

		var shell remoteShell
		host := ""
		if !execNoTunnel {
			shell, host = tunnelShell(a)
		}
		req := models.SubmitRequest{Name: "exec", Resource: execResource, Command: args[0]}

		out := io.Writer(os.Stdout)
		if jsonOutput {
			out = io.Discard
		}
		res, err := runExec(cmd.Context(), shell, host, a.controller, a.cfg.TargetDir, req, execTimeout, out)
		if jsonOutput && res.Method != "" {
			printJSON(map[string]interface{}{
				"method": res.Method, "job_id": res.JobID, "success": err == nil, "output": string(res.Output),
			})
		}
		return err
	},
}

func registerExecCommand(root *cobra.Command) {
	root.AddCommand(execCmd)

	execCmd.Flags().StringVarP(&execBridge, "bridge", "b", "", "Bridge profile for the tunnel (default: default_bridge)")
	execCmd.Flags().StringVarP(&execIdentity, "identity", "i", "", "Private key for the tunnel (default: tunnel.identity_file or ~/.ssh/id_ed25519)")
	execCmd.Flags().BoolVar(&execNoTunnel, "no-tunnel", false, "Always run through the workflow")
	execCmd.Flags().StringVarP(&execResource, "resource", "r", "", "Resource for the workflow fallback (e.g. H100)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 5*time.Minute, "Give up after this long")
}

// remoteShell runs a command on a host and streams its output
type remoteShell interface {
	ExecuteCommandStream(ctx context.Context, host, command string, w io.Writer) error
}

// jobRunner is the part of the controller the workflow fallback needs
type jobRunner interface {
	Submit(ctx context.Context, req models.SubmitRequest) (models.CacheEntry, error)
	Wait(ctx context.Context, id string, interval, timeout time.Duration) (models.CacheEntry, error)
	FetchLogs(ctx context.Context, id string, tail int, reset bool) (monitoring.LogResult, error)
}

type execResult struct {
	Method string
	JobID  string
	Output []byte
}

// tunnelShell returns an SSH client routed through the selected bridge, or nil when
// no profile or key is configured
func tunnelShell(a *app) (remoteShell, string) {
	profile, err := a.cfg.Bridge(execBridge)
	if err != nil {
		logrus.Debugf("No tunnel: %v", err)
		return nil, ""
	}
	keyPath := execIdentity
	if keyPath == "" {
		keyPath = a.cfg.Tunnel.IdentityFile
	}
	if keyPath == "" {
		keyPath = "~/.ssh/id_ed25519"
	}
	key, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		logrus.Debugf("No tunnel key: %v", err)
		return nil, ""
	}
	client, err := executor.NewSSHClient(key, profile.SSHUser, nil)
	if err != nil {
		logrus.Warnf("Ignoring tunnel key %s: %v", keyPath, err)
		return nil, ""
	}
	rtunnel := a.cfg.Tunnel.RTunnelBin
	if rtunnel == "" {
		rtunnel = "rtunnel"
	}
	client.WithDial(profile.ProxyDial(rtunnel))
	return client, "localhost:" + strconv.Itoa(profile.SSHPort)
}

// runExec tries the tunnel first and falls back to a workflow job when the tunnel cannot
// be reached. A command that ran and exited non-zero is not retried.
func runExec(ctx context.Context, shell remoteShell, host string, jobs jobRunner, targetDir string, req models.SubmitRequest, timeout time.Duration, out io.Writer) (execResult, error) {
	if shell != nil {
		var buf bytes.Buffer
		tctx, cancel := context.WithTimeout(ctx, timeout)
		err := shell.ExecuteCommandStream(tctx, host, executor.InDir(targetDir, req.Command), io.MultiWriter(out, &buf))
		cancel()
		res := execResult{Method: "ssh_tunnel", Output: buf.Bytes()}
		switch {
		case err == nil:
			return res, nil
		case common.IsKind(err, common.KindRemoteExecutionFailed):
			return res, err
		case ctx.Err() != nil:
			return res, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return res, fmt.Errorf("command still running after %s: %w", timeout, common.ErrWaitTimeout)
		}
		logrus.Warnf("SSH tunnel unavailable (%v), falling back to the workflow", err)
	}

	if req.Resource == "" {
		return execResult{}, common.NewError(common.KindResolution, "", nil, "tunnel unavailable and no --resource given for the workflow")
	}
	entry, err := jobs.Submit(ctx, req)
	if err != nil {
		return execResult{}, err
	}
	res := execResult{Method: "workflow", JobID: entry.ID}
	logrus.Infof("Submitted %s, waiting for it to finish", entry.ID)

	entry, err = jobs.Wait(ctx, entry.ID, 0, timeout)
	if err != nil {
		return res, err
	}
	logs, err := jobs.FetchLogs(ctx, entry.ID, 0, false)
	if err != nil {
		logrus.Warnf("Failed to fetch output of %s: %v", entry.ID, err)
	} else {
		res.Output = logs.Data
		out.Write(logs.Data)
	}

	switch entry.Status {
	case models.JobStatusSucceeded:
		return res, nil
	case models.JobStatusFailed:
		code := -1
		if entry.ExitCode != nil {
			code = *entry.ExitCode
		}
		return res, common.RemoteExecutionFailed(entry.ID, code)
	}
	return res, fmt.Errorf("job %s finished %s", entry.ID, entry.Status)
}
