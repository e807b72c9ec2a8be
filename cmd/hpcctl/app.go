package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"hpc-bridge/config"
	"hpc-bridge/core/bridge"
	"hpc-bridge/core/models"
	"hpc-bridge/core/monitoring"
	"hpc-bridge/core/platform"
	"hpc-bridge/core/repository"
	"hpc-bridge/core/resource_manager"
)

// app is the wired set of components a command works with
type app struct {
	cfg        config.Config
	resolver   *resource_manager.Resolver
	controller *monitoring.Controller
}

// loadConfig reads the configuration and applies the log level
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, withExitCode(exitConfigError, err)
	}
	if !debugMode {
		cfg.ApplyLogging()
	}
	return cfg, nil
}

func loadApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var source resource_manager.CatalogSource = resource_manager.StaticCatalog(cfg.ComputeGroups)
	if cfg.PlatformURL != "" {
		client := platform.NewClient(cfg.PlatformURL, cfg.PlatformUser, cfg.PlatformPassword, cfg.PlatformToken, nil)
		source = resource_manager.NewPlatformCatalog(client, cfg.ComputeGroups, cfg.KnownGroupsOnly)
	}
	resolver := resource_manager.NewResolver(source, cfg.CatalogTTL)

	forge, err := bridge.NewForgeClient(cfg.ForgeConfig())
	if err != nil {
		return nil, withExitCode(exitConfigError, err)
	}
	cache, err := repository.NewJobCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	var events repository.EventRecorder
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			return nil, withExitCode(exitConfigError, err)
		}
		events = repository.NewEventRepository(db)
	}

	return &app{
		cfg:        cfg,
		resolver:   resolver,
		controller: monitoring.NewController(resolver, forge, cache, events, cfg.ControllerOptions()),
	}, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func printJob(e models.CacheEntry) {
	if jsonOutput {
		printJSON(e)
		return
	}
	fmt.Printf("Job:      %s (%s)\n", e.Name, e.ID)
	fmt.Printf("Status:   %s\n", e.Status)
	if e.ExitCode != nil {
		fmt.Printf("Exit:     %d\n", *e.ExitCode)
	}
	fmt.Printf("Resource: %s on %s\n", e.Resource, groupLabel(e.Resource))
	fmt.Printf("Command:  %s\n", e.Command)
	fmt.Printf("Request:  %s", e.Handle.RequestID)
	if e.Handle.RunID != 0 {
		fmt.Printf(" (run %d)", e.Handle.RunID)
	}
	fmt.Println()
	fmt.Printf("Created:  %s\n", e.CreatedAt.Local().Format(time.RFC3339))
	if e.CheckedAt != nil {
		fmt.Printf("Checked:  %s\n", e.CheckedAt.Local().Format(time.RFC3339))
	}
	if e.UnreachableSince != nil {
		fmt.Printf("Unobserved since %s (%d failed syncs)\n", e.UnreachableSince.Local().Format(time.RFC3339), e.RetryCount)
	}
}

func printJobTable(jobs []models.CacheEntry) error {
	if jsonOutput {
		printJSON(jobs)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tRESOURCE\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, truncate(j.Name, 32), j.Status, j.Resource, j.CreatedAt.Local().Format("01-02 15:04"))
	}
	return w.Flush()
}

func groupLabel(r models.ResourceSpec) string {
	if r.GroupName != "" {
		return r.GroupName
	}
	return r.GroupID
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func parseStatuses(values []string) ([]models.JobStatus, error) {
	var out []models.JobStatus
	for _, v := range values {
		s := models.JobStatus(strings.ToLower(v))
		if !s.Valid() {
			return nil, withExitCode(exitValidationError, fmt.Errorf("unknown status %q", v))
		}
		out = append(out, s)
	}
	return out, nil
}

// terminalExit maps a finished job to the command's exit status
func terminalExit(e models.CacheEntry) error {
	if e.Status == models.JobStatusSucceeded {
		return nil
	}
	return withExitCode(exitGeneralError, fmt.Errorf("job %s finished %s", e.ID, e.Status))
}
