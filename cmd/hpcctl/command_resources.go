package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"hpc-bridge/core/resource_manager"

	"github.com/spf13/cobra"
)

var resourcesGPUType string

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Inspect cluster compute groups",
}

var resourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List compute groups with the most idle GPUs first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		groups, err := a.resolver.Availability(cmd.Context())
		if err != nil {
			return withExitCode(exitAPIError, err)
		}
		want := ""
		if resourcesGPUType != "" {
			want = resource_manager.NormalizeGPUType(resourcesGPUType)
		}

		if jsonOutput {
			items := make([]map[string]interface{}, 0, len(groups))
			for _, g := range groups {
				if want != "" && g.GPUType != want {
					continue
				}
				items = append(items, map[string]interface{}{
					"group": g, "idle_gpus": g.IdleGPUs(), "capacity": g.Capacity(),
				})
			}
			printJSON(items)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tNAME\tGPU\tIDLE\tCAPACITY\tNODES (READY/FREE/TOTAL)")
		for _, g := range groups {
			if want != "" && g.GPUType != want {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d/%d/%d\n",
				g.ID, g.Name, g.GPUType, g.IdleGPUs(), g.Capacity(), g.ReadyNodes, g.FreeNodes, g.TotalNodes)
		}
		return w.Flush()
	},
}

func registerResourcesCommand(root *cobra.Command) {
	root.AddCommand(resourcesCmd)
	resourcesCmd.AddCommand(resourcesListCmd)
	resourcesListCmd.Flags().StringVarP(&resourcesGPUType, "gpu-type", "t", "", "Only groups with this accelerator")
}
