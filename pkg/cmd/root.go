package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/apoxy-dev/dscp-rewrite/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dscp-rewrite",
	Short: "Rewrite packet destinations based on their DSCP marking.",
	Long: `dscp-rewrite diverts DSCP-marked traffic arriving on an interface through a
TUN device and rewrites the destination address of each packet according to a
per-DSCP table, repairing transport checksums incrementally.

Start the daemon with 'dscp-rewrite run' and manage the table with
'dscp-rewrite set net.inet.ip.dscp_rewrite.ip4.<dscp> <address>'.
`,
	DisableAutoGenTag: true,
}

// ExecuteContext executes root command with context.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.ConfigFile, "config", "", "Config file (default is /etc/dscp-rewrite/config.yaml).")
	rootCmd.PersistentFlags().BoolVar(&config.AlsoLogToStderr, "alsologtostderr", false, "Log to standard error as well as files.")
	rootCmd.PersistentFlags().BoolVarP(&config.Verbose, "verbose", "v", false, "Enable verbose output.")
}
