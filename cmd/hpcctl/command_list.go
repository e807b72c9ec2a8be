package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"hpc-bridge/core/models"
	"hpc-bridge/core/repository"

	"github.com/spf13/cobra"
)

var (
	listLimit    int
	listStatuses []string
	listActive   bool
	listName     string

	refreshStatuses []string
	pruneOlderThan  time.Duration
	removeAll       bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List cached jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		filter, err := buildFilter(listStatuses, listName, listLimit)
		if err != nil {
			return err
		}
		if listActive && len(filter.Statuses) == 0 {
			filter.ExcludeStatuses = []models.JobStatus{
				models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusStopped,
			}
		}
		jobs, err := a.controller.List(filter)
		if err != nil {
			return err
		}
		return printJobTable(jobs)
	},
}

var refreshCmd = &cobra.Command{
	Use:     "refresh",
	Aliases: []string{"update"},
	Short:   "Poll the bridge for every active job",
	Long:    "Refresh all non-terminal cached jobs concurrently (or those matching --status). A job that cannot be observed is reported without affecting the others.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		filter, err := buildFilter(refreshStatuses, "", 0)
		if err != nil {
			return err
		}
		res, err := a.controller.RefreshAll(cmd.Context(), filter)
		if err != nil {
			return err
		}

		if jsonOutput {
			errs := map[string]string{}
			for id, e := range res.Errors {
				errs[id] = e.Error()
			}
			printJSON(map[string]interface{}{"jobs": res.Jobs, "errors": errs})
			return nil
		}
		if err := printJobTable(res.Jobs); err != nil {
			return err
		}
		ids := make([]string, 0, len(res.Errors))
		for id := range res.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, res.Errors[id])
		}
		fmt.Printf("\nRefreshed %d jobs, %d failed\n", len(res.Jobs), len(res.Errors))
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old jobs from the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		n, err := a.controller.Prune(pruneOlderThan)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"removed": n})
			return nil
		}
		fmt.Printf("Removed %d jobs older than %s\n", n, pruneOlderThan)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <job-id>...",
	Aliases: []string{"rm"},
	Short:   "Forget jobs locally; remote executions are not touched",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !removeAll && len(args) == 0 {
			return withExitCode(exitValidationError, errors.New("give at least one job id or --all"))
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		if removeAll {
			if err := a.controller.Clear(); err != nil {
				return err
			}
			fmt.Println("Cache cleared")
			return nil
		}
		missing := 0
		for _, id := range args {
			removed, err := a.controller.Remove(id)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(os.Stderr, "%s: not in cache\n", id)
				missing++
				continue
			}
			fmt.Printf("Removed %s\n", id)
		}
		if missing > 0 {
			return withExitCode(exitJobNotFound, fmt.Errorf("%d of %d jobs not found", missing, len(args)))
		}
		return nil
	},
}

func registerListCommand(root *cobra.Command) {
	root.AddCommand(listCmd)
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Max jobs to show (0 for all)")
	listCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by status (repeatable)")
	listCmd.Flags().BoolVarP(&listActive, "active", "a", false, "Only jobs that have not finished")
	listCmd.Flags().StringVar(&listName, "name", "", "Filter by name glob")
}

func registerRefreshCommand(root *cobra.Command) {
	root.AddCommand(refreshCmd)
	refreshCmd.Flags().StringSliceVarP(&refreshStatuses, "status", "s", nil, "Only refresh jobs in these statuses")
}

func registerPruneCommand(root *cobra.Command) {
	root.AddCommand(pruneCmd)
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Age threshold")
}

func registerRemoveCommand(root *cobra.Command) {
	root.AddCommand(removeCmd)
	removeCmd.Flags().BoolVar(&removeAll, "all", false, "Clear the whole cache")
}

func buildFilter(statuses []string, name string, limit int) (repository.ListFilter, error) {
	parsed, err := parseStatuses(statuses)
	if err != nil {
		return repository.ListFilter{}, err
	}
	return repository.ListFilter{Statuses: parsed, NameGlob: name, Limit: limit}, nil
}
