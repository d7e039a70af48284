package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	statusmodel "github.com/zhouzirui/z-tavern/realtime/internal/model/status"
	"github.com/zhouzirui/z-tavern/realtime/internal/service/status"
)

// healthCmd prints the service health report
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the service health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := status.NewClient(cfg.Endpoint.APIURL, cfg.Endpoint.Timeout())
		report, err := client.Health(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", report.Status)
		if used, ok := report.VRAM["used_gb"]; ok {
			fmt.Fprintf(cmd.OutOrStdout(), "vram:   %v GB\n", used)
		}
		if !report.Healthy() {
			for name, p := range report.Plugins {
				if !p.Healthy {
					fmt.Fprintf(cmd.OutOrStdout(), "  unhealthy: %s (%s)\n", name, p.Status)
				}
			}
		}
		return nil
	},
}

// pluginsCmd lists plugins, or shows one when a name is given
var pluginsCmd = &cobra.Command{
	Use:   "plugins [name]",
	Short: "List the service plugins",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := status.NewClient(cfg.Endpoint.APIURL, cfg.Endpoint.Timeout())

		var plugins []statusmodel.PluginInfo
		if len(args) == 1 {
			p, err := client.Plugin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			plugins = append(plugins, p)
		} else {
			all, err := client.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			plugins = all
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tVERSION\tSTATUS\tVRAM(GB)\tDEPENDS")
		for _, p := range plugins {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%s\n", p.Name, p.Type, p.Version, p.Status, p.VRAMUsageGB, strings.Join(p.Dependencies, ","))
		}
		return w.Flush()
	},
}
