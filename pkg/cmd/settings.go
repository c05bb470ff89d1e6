package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apoxy-dev/dscp-rewrite/config"
	"github.com/apoxy-dev/dscp-rewrite/pkg/control"
	"github.com/apoxy-dev/dscp-rewrite/pretty"
)

var (
	controlAddr string
	listActive  bool
)

// newClient returns a control client for --addr, falling back to the listen
// address from the config file.
func newClient() (*control.Client, error) {
	addr := controlAddr
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("unable to load config: %w", err)
		}
		addr = cfg.ListenAddr
	}
	return control.NewClient(addr, nil), nil
}

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print the value of a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Change the value of a setting",
	Long: `Change the value of a setting. Table slots are named
net.inet.ip.dscp_rewrite.ip4.<dscp> and net.inet.ip.dscp_rewrite.ip6.<dscp>;
setting a slot to 0.0.0.0 or :: deactivates it. The name=value form is also
accepted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, value, ok := args[0], "", false
		if len(args) == 2 {
			value, ok = args[1], true
		} else {
			name, value, ok = strings.Cut(args[0], "=")
		}
		if !ok {
			return fmt.Errorf("missing value for %s", name)
		}
		cmd.SilenceUsage = true

		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Set(cmd.Context(), name, value)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, v)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		c, err := newClient()
		if err != nil {
			return err
		}
		settings, err := c.List(cmd.Context())
		if err != nil {
			return err
		}
		settingsTable(settings, listActive).Fprint(cmd.OutOrStdout())
		return nil
	},
}

func settingsTable(settings []control.Setting, activeOnly bool) pretty.Table {
	t := pretty.Table{
		Header: pretty.Header{"Name", "Value", "Description"},
	}
	for _, s := range settings {
		if activeOnly && (s.Value == "0.0.0.0" || s.Value == "::") {
			continue
		}
		t.Rows = append(t.Rows, []interface{}{s.Name, s.Value, s.Description})
	}
	return t
}

var unloadCmd = &cobra.Command{
	Use:   "unload",
	Short: "Remove the rewrite hooks and stop the daemon",
	Long: `Remove the rewrite hooks and stop the daemon. Unloading is refused while
any table slot is active; clear every slot first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.Unload(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{getCmd, setCmd, listCmd, unloadCmd} {
		c.Flags().StringVar(&controlAddr, "addr", "", "Control API address (default is listen_addr from the config file).")
		rootCmd.AddCommand(c)
	}
	listCmd.Flags().BoolVar(&listActive, "active", false, "Only list active table slots and toggles.")
}
