package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"terrainsrv/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The root command serves render
// requests; the subcommands work on terrain map files directly.
func newRootCmd() *cobra.Command {
	config := app.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "terrainsrv",
		Short: "Terrain awareness display backend",
		Long: `Terrain awareness display backend.

Loads a terrain map and renders navigation display terrain rasters and
vertical display elevation profiles on a pool of workers. Requests are read
from stdin, one JSON object per line; each produces one response line on
stdout.

Example usage:
  terrainsrv --map ./world.tmap.zst --workers 4 --timeout 500ms
  echo '{"status":{...},"efis":{"L":{...}}}' | terrainsrv --map ./world.tmap`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.ShowVersion {
				app.ShowVersion(cmd.OutOrStdout())
				return nil
			}

			if config.ConfigFile != "" {
				if err := config.ApplyFile(config.ConfigFile, cmd.Flags().Changed); err != nil {
					return err
				}
			}

			application := app.NewApplication(config)
			return application.Start()
		},
	}

	rootCmd.Flags().StringVarP(&config.TerrainMap, "map", "m", app.DefaultTerrainMap, "Terrain map file (.tmap or .tmap.zst)")
	rootCmd.Flags().StringVarP(&config.ConfigFile, "config", "c", "", "YAML configuration file")
	rootCmd.Flags().IntVarP(&config.Workers, "workers", "w", app.DefaultWorkers, "Render workers (0 for one per CPU)")
	rootCmd.Flags().DurationVarP(&config.RenderTimeout, "timeout", "t", app.DefaultRenderTimeout, "Render timeout per request")
	rootCmd.Flags().DurationVar(&config.StatsInterval, "stats-interval", app.DefaultStatsInterval, "Statistics logging interval")
	rootCmd.Flags().StringVarP(&config.Format, "format", "f", app.DefaultFormat, "Output format (json or msgpack)")
	rootCmd.Flags().BoolVar(&config.VerifyNodes, "verify-nodes", true, "Verify every tile's quadtree at load")
	rootCmd.Flags().StringVarP(&config.LogDir, "log-dir", "l", app.DefaultLogDir, "Log directory (empty for console only)")
	rootCmd.Flags().BoolVarP(&config.Verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.Flags().BoolVar(&config.ShowVersion, "version", false, "Show version information")

	rootCmd.AddCommand(newSynthCmd(), newInspectCmd(), newElevationCmd(), newProfileCmd())
	return rootCmd
}
