// riskwatch CLI - watch the live feed or take one-off snapshots from the
// terminal
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/riskwatch/internal/config"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "riskwatch",
		Short:         "riskwatch - live risk-monitoring feed consumer",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "YAML config file (default $RISKWATCH_CONFIG or "+config.DefaultConfigPath+")")

	root.AddCommand(watchCmd())
	root.AddCommand(fetchCmd())
	return root
}

// loadConfig honors --config, then falls back to the standard lookup.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
