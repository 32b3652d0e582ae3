package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/speedarr/speedarr/internal/snmp"
)

var snmpCmd = &cobra.Command{
	Use:   "snmp",
	Short: "SNMP link probe commands",
}

var snmpDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover router interfaces and suggest the WAN port",
	Long: `Connect to the configured SNMP device, list its operational
interfaces with a short traffic sample, and suggest which ifIndex to
use as snmp.wan_interface.`,
	RunE: runSNMPDiscover,
}

func init() {
	snmpDiscoverCmd.Flags().String("host", "", "SNMP host (overrides config)")
	snmpDiscoverCmd.Flags().String("community", "", "SNMP community (overrides config)")
	rootCmd.AddCommand(snmpCmd)
	snmpCmd.AddCommand(snmpDiscoverCmd)
}

func runSNMPDiscover(cmd *cobra.Command, args []string) error {
	snmpCfg := cfg.SNMP
	if cmd.Flags().Changed("host") {
		snmpCfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("community") {
		snmpCfg.Community, _ = cmd.Flags().GetString("community")
	}
	if snmpCfg.Host == "" {
		return fmt.Errorf("snmp.host is not configured; pass --host or set it in the config file")
	}

	probe, err := snmp.NewProbe(snmpCfg, logger())
	if err != nil {
		return err
	}
	defer probe.Close()

	if err := probe.TestConnection(cmd.Context()); err != nil {
		return fmt.Errorf("snmp device not responding: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Sampling interface counters over %s...\n", snmpCfg.SampleWindow)
	interfaces, err := probe.Interfaces(cmd.Context())
	if err != nil {
		return fmt.Errorf("discovering interfaces: %w", err)
	}
	if len(interfaces) == 0 {
		return fmt.Errorf("no operational interfaces found")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tTYPE\tSPEED\tIN\tOUT")
	for _, iface := range interfaces {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d Mbps\t%.1f Mbps\t%.1f Mbps\n",
			iface.Index, iface.Name, iface.Type, iface.SpeedMbps, iface.InMbps, iface.OutMbps)
	}
	w.Flush()

	if suggestion := snmp.SuggestWAN(interfaces); suggestion != nil {
		fmt.Printf("\nSuggested WAN interface: %s (ifIndex %d)\n", suggestion.Name, suggestion.Index)
		fmt.Printf("Set snmp.wan_interface: %d\n", suggestion.Index)
	}
	return nil
}
