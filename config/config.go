package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/apoxy-dev/dscp-rewrite/pkg/control"
	"github.com/apoxy-dev/dscp-rewrite/pkg/ingress"
	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

var (
	ConfigFile      string
	Verbose         bool
	AlsoLogToStderr bool
	DefaultConfig   = &Config{
		Enabled:          true,
		ListenAddr:       control.DefaultListenAddr,
		TunName:          "dscp0",
		TunMTU:           ingress.DefaultMTU,
		IngressInterface: "eth0",
		FwMark:           0x5d5c,
		RouteTable:       5151,
		IPv6Mode:         "legacy",
		IPv6DSCP:         []uint8{rewrite.EligibleIPv6DSCP},
	}
)

type Config struct {
	// Whether destination rewriting is enabled.
	Enabled bool `yaml:"enabled"`
	// Whether every rewrite decision is logged.
	Debug bool `yaml:"debug,omitempty"`
	// Whether to enable verbose logging.
	Verbose bool `yaml:"verbose,omitempty"`
	// The address the control API listens on.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// The TUN device marked traffic is steered through.
	TunName string `yaml:"tun_name,omitempty"`
	// The MTU of the TUN device.
	TunMTU int `yaml:"tun_mtu,omitempty"`
	// The interface whose DSCP-marked ingress traffic is rewritten.
	IngressInterface string `yaml:"ingress_interface,omitempty"`
	// The firewall mark used to steer traffic into the TUN device.
	FwMark uint32 `yaml:"fwmark,omitempty"`
	// The policy routing table holding the route to the TUN device.
	RouteTable int `yaml:"route_table,omitempty"`
	// Optional path to a packet capture of steered traffic.
	PcapPath string `yaml:"pcap_path,omitempty"`
	// IPv6 version and traffic class handling: "legacy" or "rfc8200".
	IPv6Mode string `yaml:"ipv6_mode,omitempty"`
	// DSCP values eligible for rewriting on the IPv6 path.
	IPv6DSCP []uint8 `yaml:"ipv6_dscp,omitempty"`
	// Whether to also repair the IPv4 header checksum. When false, rewritten
	// IPv4 packets carry a stale header checksum and the Linux stack drops
	// them once they re-enter through the TUN device.
	RepairIPv4HeaderChecksum bool `yaml:"repair_ipv4_header_checksum,omitempty"`
	// IPv4 rewrite destinations by DSCP.
	IP4 map[int]string `yaml:"ip4,omitempty"`
	// IPv6 rewrite destinations by DSCP.
	IP6 map[int]string `yaml:"ip6,omitempty"`
}

// Dir returns the path to the configuration directory.
func Dir() string {
	return "/etc/dscp-rewrite"
}

func getDefaultConfigPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func defaults() *Config {
	cfg := *DefaultConfig
	cfg.IPv6DSCP = slices.Clone(DefaultConfig.IPv6DSCP)
	return &cfg
}

// Load reads ConfigFile, or the default path if it is unset. A missing file
// yields the default configuration.
func Load() (*Config, error) {
	if ConfigFile == "" {
		ConfigFile = getDefaultConfigPath()
	}
	return LoadFile(ConfigFile)
}

// LoadFile reads the configuration at path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	yamlFile, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	default:
		if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	}
	if Verbose {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the IPv6 mode and every configured slot.
func (c *Config) Validate() error {
	var errs []error
	if _, err := rewrite.ParseIPv6Mode(c.IPv6Mode); err != nil {
		errs = append(errs, err)
	}
	for _, d := range c.IPv6DSCP {
		if d == 0 || d >= rewrite.Slots {
			errs = append(errs, fmt.Errorf("%w: ipv6_dscp %d out of range 1..%d", rewrite.ErrInvalidArgument, d, rewrite.Slots-1))
		}
	}
	for _, s := range []struct {
		family  rewrite.Family
		entries map[int]string
	}{{rewrite.IPv4, c.IP4}, {rewrite.IPv6, c.IP6}} {
		for dscp, addr := range s.entries {
			if dscp < 1 || dscp >= rewrite.Slots {
				errs = append(errs, fmt.Errorf("%w: %s dscp %d out of range 1..%d", rewrite.ErrInvalidArgument, s.family, dscp, rewrite.Slots-1))
				continue
			}
			if _, err := rewrite.ParseAddr(s.family, addr); err != nil {
				errs = append(errs, fmt.Errorf("%s.%d: %w", s.family, dscp, err))
			}
		}
	}
	return errors.Join(errs...)
}

// MutatorOptions returns the mutator options selected by the configuration.
func (c *Config) MutatorOptions() ([]rewrite.Option, error) {
	mode, err := rewrite.ParseIPv6Mode(c.IPv6Mode)
	if err != nil {
		return nil, err
	}
	opts := []rewrite.Option{
		rewrite.WithIPv6Mode(mode),
		rewrite.WithIPv4HeaderChecksumRepair(c.RepairIPv4HeaderChecksum),
	}
	if len(c.IPv6DSCP) > 0 {
		opts = append(opts, rewrite.WithIPv6DSCP(c.IPv6DSCP...))
	}
	return opts, nil
}

// Apply makes the table slots and the toggles of m match the configuration.
// Slots absent from the configuration are cleared. The configuration is
// validated first so an invalid configuration changes nothing.
func (c *Config) Apply(m *rewrite.Mutator) error {
	if err := c.Validate(); err != nil {
		return err
	}
	t := m.Table()
	for _, s := range []struct {
		family  rewrite.Family
		entries map[int]string
	}{{rewrite.IPv4, c.IP4}, {rewrite.IPv6, c.IP6}} {
		for dscp := 1; dscp < rewrite.Slots; dscp++ {
			addr := s.family.Unspecified()
			if v, ok := s.entries[dscp]; ok {
				addr, _ = rewrite.ParseAddr(s.family, v)
			}
			if err := t.Set(s.family, dscp, addr); err != nil {
				return fmt.Errorf("failed to set %s.%d: %w", s.family, dscp, err)
			}
		}
	}
	m.SetEnabled(c.Enabled)
	m.SetDebug(c.Debug)
	return nil
}

// RestartRequired returns the names of the fields that differ between prev
// and next but only take effect when the daemon restarts.
func RestartRequired(prev, next *Config) []string {
	var fields []string
	check := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}
	check("listen_addr", prev.ListenAddr != next.ListenAddr)
	check("tun_name", prev.TunName != next.TunName)
	check("tun_mtu", prev.TunMTU != next.TunMTU)
	check("ingress_interface", prev.IngressInterface != next.IngressInterface)
	check("fwmark", prev.FwMark != next.FwMark)
	check("route_table", prev.RouteTable != next.RouteTable)
	check("pcap_path", prev.PcapPath != next.PcapPath)
	check("ipv6_mode", prev.IPv6Mode != next.IPv6Mode)
	check("ipv6_dscp", !slices.Equal(prev.IPv6DSCP, next.IPv6DSCP))
	check("repair_ipv4_header_checksum", prev.RepairIPv4HeaderChecksum != next.RepairIPv4HeaderChecksum)
	return fields
}

func ensureDirExists(filePath string) error {
	dir := filepath.Dir(filePath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		// Create the directory if it doesn't exist
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return nil
}

// Store writes cfg to ConfigFile, or the default path if it is unset.
func Store(cfg *Config) error {
	yamlFile, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if ConfigFile == "" {
		ConfigFile = getDefaultConfigPath()
	}
	if err := ensureDirExists(ConfigFile); err != nil {
		return fmt.Errorf("failed to ensure directory exists: %w", err)
	}
	if err := os.WriteFile(ConfigFile, yamlFile, 0644); err != nil {
		return fmt.Errorf("failed to write YAML file: %w", err)
	}
	return nil
}
