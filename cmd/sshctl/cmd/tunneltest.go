package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/websoft9/sshpool/internal/proxy"
)

var tunnelTestCmd = &cobra.Command{
	Use:   "tunnel-test",
	Short: "Resolve and dial the configured proxy tunnel, without starting an SSH handshake",
	RunE:  runTunnelTest,
}

func init() {
	rootCmd.AddCommand(tunnelTestCmd)
}

func runTunnelTest(cmd *cobra.Command, args []string) error {
	d, err := buildDescriptor("sshctl-tunnel-test")
	if err != nil {
		return err
	}

	resolver := proxy.NewResolver(nil, nil)

	cfg, err := resolver.Resolve(cmd.Context(), d)
	if err != nil {
		errorf("proxy resolution failed: %v\n", err)
		return err
	}
	if cfg == nil {
		printf(color.New(color.FgCyan), "no proxy configured for %s — would connect directly\n", d.Host)
		return nil
	}
	printf(color.New(color.FgCyan), "resolved proxy: %s %s:%d\n", cfg.Type, cfg.Host, cfg.Port)

	start := time.Now()
	conn, _, err := resolver.Dial(cmd.Context(), d)
	if err != nil {
		errorf("tunnel dial failed: %v\n", err)
		return err
	}
	defer conn.Close()

	printf(color.New(color.FgGreen), "tunnel established to %s in %s\n", d.Host, time.Since(start).Round(time.Millisecond))
	return nil
}
