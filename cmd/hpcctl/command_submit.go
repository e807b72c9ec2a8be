package main

import (
	"fmt"
	"os"
	"time"

	"hpc-bridge/core/models"
	"hpc-bridge/core/spec"

	"github.com/spf13/cobra"
)

var (
	submitReq     models.SubmitRequest
	submitFile    string
	submitWait    bool
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to the cluster",
	Long:  "Resolve the resource, dispatch the command through the bridge and record the job. Use -f to read a YAML job spec; flags override its fields.",
	Example: `  hpcctl submit -n train -r 4xH200 -c "python train.py"
  hpcctl submit -f job.yaml --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitJob(cmd)
	},
}

func registerSubmitCommand(root *cobra.Command) {
	root.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "YAML job spec")
	submitCmd.Flags().StringVarP(&submitReq.Name, "name", "n", "", "Job name")
	submitCmd.Flags().StringVarP(&submitReq.Resource, "resource", "r", "", "Resource spec (e.g. 4xH200)")
	submitCmd.Flags().StringVarP(&submitReq.Command, "command", "c", "", "Command to run")
	submitCmd.Flags().IntVar(&submitReq.Priority, "priority", 0, "Priority 1-10 (default from HPC_DEFAULT_PRIORITY)")
	submitCmd.Flags().StringVar(&submitReq.Image, "image", "", "Container image")
	submitCmd.Flags().IntVar(&submitReq.ShmGB, "shm", 0, "Shared memory in GB")
	submitCmd.Flags().StringVar(&submitReq.WorkspaceID, "workspace", "", "Workspace ID")
	submitCmd.Flags().StringVar(&submitReq.ProjectID, "project", "", "Project ID")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for the job to finish")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 4*time.Hour, "Timeout for --wait")
}

func submitJob(cmd *cobra.Command) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	req := submitReq
	if submitFile != "" {
		data, err := os.ReadFile(submitFile)
		if err != nil {
			return withExitCode(exitValidationError, err)
		}
		fromFile, err := spec.ParseJobSpec(data, a.controller.Defaults())
		if err != nil {
			return withExitCode(exitValidationError, fmt.Errorf("invalid job spec %s: %w", submitFile, err))
		}
		req = overlay(fromFile, cmd)
	}

	ctx := cmd.Context()
	entry, err := a.controller.Submit(ctx, req)
	if err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Printf("Job submitted: %s\n", entry.ID)
	}
	if !submitWait {
		printJob(entry)
		return nil
	}

	entry, err = a.controller.Wait(ctx, entry.ID, 0, submitTimeout)
	printJob(entry)
	if err != nil {
		return err
	}
	return terminalExit(entry)
}

// overlay applies explicitly set flags on top of a spec file
func overlay(req models.SubmitRequest, cmd *cobra.Command) models.SubmitRequest {
	flags := cmd.Flags()
	if flags.Changed("name") {
		req.Name = submitReq.Name
	}
	if flags.Changed("resource") {
		req.Resource = submitReq.Resource
	}
	if flags.Changed("command") {
		req.Command = submitReq.Command
	}
	if flags.Changed("priority") {
		req.Priority = submitReq.Priority
	}
	if flags.Changed("image") {
		req.Image = submitReq.Image
	}
	if flags.Changed("shm") {
		req.ShmGB = submitReq.ShmGB
	}
	if flags.Changed("workspace") {
		req.WorkspaceID = submitReq.WorkspaceID
	}
	if flags.Changed("project") {
		req.ProjectID = submitReq.ProjectID
	}
	return req
}
