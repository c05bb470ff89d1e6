package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/apoxy-dev/dscp-rewrite/config"
	"github.com/apoxy-dev/dscp-rewrite/pkg/control"
	"github.com/apoxy-dev/dscp-rewrite/pkg/engine"
	"github.com/apoxy-dev/dscp-rewrite/pkg/firewall"
	"github.com/apoxy-dev/dscp-rewrite/pkg/ingress"
	"github.com/apoxy-dev/dscp-rewrite/pkg/log"
	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
	"github.com/apoxy-dev/dscp-rewrite/pkg/utils"
)

var (
	logJSON     bool
	skipSteer   bool
	watchConfig bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the rewrite daemon",
	Long: `Create the TUN device, divert DSCP-marked traffic arriving on the ingress
interface through it and rewrite packet destinations according to the
configured table. The daemon exits on SIGINT, SIGTERM or an unload request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("unable to load config: %w", err)
		}
		if err := initLogging(cfg); err != nil {
			return err
		}

		return runDaemon(cmd.Context(), cfg)
	},
}

func initLogging(cfg *config.Config) error {
	var opts []log.Option
	if cfg.Verbose {
		opts = append(opts, log.WithDevMode())
	}
	if config.AlsoLogToStderr {
		opts = append(opts, log.WithAlsoLogToStderr())
	}
	if logJSON {
		opts = append(opts, log.WithJSON())
	}
	if err := log.Init(opts...); err != nil {
		return fmt.Errorf("unable to initialize logging: %w", err)
	}
	return nil
}

// newEngine builds the engine, its table and metrics from cfg.
func newEngine(cfg *config.Config, reg prometheus.Registerer) (*engine.Engine, error) {
	opts, err := cfg.MutatorOptions()
	if err != nil {
		return nil, err
	}
	tbl := rewrite.NewTable()
	reg.MustRegister(rewrite.NewTableCollector(tbl))
	opts = append(opts,
		rewrite.WithLogger(log.New(true)),
		rewrite.WithMetrics(rewrite.NewMetrics(reg)),
	)
	m := rewrite.NewMutator(tbl, opts...)
	if err := cfg.Apply(m); err != nil {
		return nil, fmt.Errorf("unable to apply config: %w", err)
	}
	return engine.New(m), nil
}

// reload applies next to m and reports fields that need a restart.
func reload(m *rewrite.Mutator, prev, next *config.Config) {
	if fields := config.RestartRequired(prev, next); len(fields) > 0 {
		slog.Warn("Configuration changes require a restart", slog.Any("fields", fields))
	}
	if err := next.Apply(m); err != nil {
		slog.Error("Failed to apply configuration", slog.Any("error", err))
		return
	}
	slog.Info("Configuration reloaded", slog.Int("entries", len(m.Table().Entries())))
}

// warnIPv4HeaderChecksum logs a warning if rewritten IPv4 packets will be
// delivered with a stale header checksum. It reports whether it warned.
func warnIPv4HeaderChecksum(cfg *config.Config) bool {
	if cfg.RepairIPv4HeaderChecksum {
		return false
	}
	slog.Warn("IPv4 header checksum repair is disabled; rewritten IPv4 packets will be dropped by the kernel on re-entry",
		slog.String("hint", "set repair_ipv4_header_checksum: true"))
	return true
}

func createTUN(cfg *config.Config) (tun.Device, string, error) {
	dev, err := tun.CreateTUN(cfg.TunName, cfg.TunMTU)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create TUN device %s: %w", cfg.TunName, err)
	}
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, "", fmt.Errorf("failed to get TUN device name: %w", err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		dev.Close()
		return nil, "", fmt.Errorf("failed to get link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		dev.Close()
		return nil, "", fmt.Errorf("failed to bring up link %s: %w", name, err)
	}

	if cfg.PcapPath != "" {
		slog.Info("Capturing steered packets", slog.String("path", cfg.PcapPath))
		pd, err := ingress.NewPcapDevice(dev, cfg.PcapPath)
		if err != nil {
			dev.Close()
			return nil, "", err
		}
		return pd, name, nil
	}
	return dev, name, nil
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e, err := newEngine(cfg, reg)
	if err != nil {
		return err
	}

	warnIPv4HeaderChecksum(cfg)

	if ok, err := utils.HasNetAdmin(); err != nil {
		slog.Warn("Unable to check capabilities", slog.Any("error", err))
	} else if !ok {
		return fmt.Errorf("run requires root or CAP_NET_ADMIN")
	}

	dev, name, err := createTUN(cfg)
	if err != nil {
		return err
	}
	tunDev := ingress.NewTUN(dev, ingress.WithMTU(cfg.TunMTU))

	if err := e.Load(tunDev); err != nil {
		dev.Close()
		return fmt.Errorf("failed to load rewrite hooks: %w", err)
	}

	if !skipSteer {
		steering := firewall.SteeringConfig{
			IngressInterface: cfg.IngressInterface,
			TunInterface:     name,
			FwMark:           cfg.FwMark,
			RouteTable:       cfg.RouteTable,
		}
		if err := firewall.EnableIPForwarding(); err != nil {
			dev.Close()
			return fmt.Errorf("failed to enable IP forwarding: %w", err)
		}
		if err := firewall.EnableSteering(netns.None(), steering); err != nil {
			dev.Close()
			return fmt.Errorf("failed to enable steering: %w", err)
		}
		defer func() {
			if err := firewall.DisableSteering(netns.None(), steering); err != nil {
				slog.Warn("Failed to remove steering", slog.Any("error", err))
			}
		}()
	}

	slog.Info("DSCP rewrite running",
		slog.String("tun", name), slog.String("ingress", cfg.IngressInterface),
		slog.String("ipv6Mode", cfg.IPv6Mode), slog.Int("entries", len(e.Table().Entries())))

	srv := control.NewServer(e,
		control.WithGatherer(reg),
		control.WithUnloadHandler(cancel))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tunDev.Run(gctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.ListenAddr)
	})

	if watchConfig {
		prev := cfg
		if err := config.Watch(gctx, config.ConfigFile, func(next *config.Config) {
			reload(e.Mutator(), prev, next)
			prev = next
		}); err != nil {
			slog.Warn("Configuration reload disabled", slog.Any("error", err))
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("DSCP rewrite stopped")
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON format.")
	runCmd.Flags().BoolVar(&skipSteer, "no-steering", false, "Do not install firewall and routing rules; traffic must be steered into the TUN device externally.")
	runCmd.Flags().BoolVar(&watchConfig, "watch", true, "Reload the rewrite table when the config file changes.")

	rootCmd.AddCommand(runCmd)
}
