// Package cmd implements sshctl, a companion CLI exercising C1-C9 end to
// end without a PocketBase host: connect, upload, download, and a
// standalone proxy-tunnel smoke test.
package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/websoft9/sshpool/internal/descriptor"
	"github.com/websoft9/sshpool/internal/events"
	"github.com/websoft9/sshpool/internal/hostcap"
	"github.com/websoft9/sshpool/internal/pool"
	"github.com/websoft9/sshpool/internal/proxy"
	"github.com/websoft9/sshpool/internal/sftpmgr"
	"github.com/websoft9/sshpool/internal/transfer"
)

var (
	flagHost      string
	flagPort      int
	flagUser      string
	flagPassword  string
	flagKeyPath   string
	flagProxyType string
	flagProxyHost string
	flagProxyPort int
	flagRateLimit int

	stdout = colorable.NewColorableStdout()
	stderr = colorable.NewColorableStderr()
)

func init() {
	color.NoColor = !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())

	rootCmd.PersistentFlags().StringVar(&flagHost, "host", "", "target SSH host (required)")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 22, "target SSH port")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "SSH username (required)")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", "", "password auth (mutually exclusive with --key)")
	rootCmd.PersistentFlags().StringVar(&flagKeyPath, "key", "", "private key file path (mutually exclusive with --password)")
	rootCmd.PersistentFlags().StringVar(&flagProxyType, "proxy-type", "", "explicit proxy: http, https, socks4, socks5 (default: resolve from environment)")
	rootCmd.PersistentFlags().StringVar(&flagProxyHost, "proxy-host", "", "proxy host, required with --proxy-type")
	rootCmd.PersistentFlags().IntVar(&flagProxyPort, "proxy-port", 0, "proxy port, required with --proxy-type")
	rootCmd.PersistentFlags().IntVar(&flagRateLimit, "rate-limit", 0, "transfer rate limit in bytes/sec, 0 disables")
}

var rootCmd = &cobra.Command{
	Use:          "sshctl",
	Short:        "Drive the sshpool session and transfer stack from the command line",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printf(c *color.Color, format string, a ...any) {
	_, _ = c.Fprintf(stdout, format, a...)
}

func errorf(format string, a ...any) {
	_, _ = color.New(color.FgRed).Fprintf(stderr, format, a...)
}

// buildDescriptor assembles a ConnectionDescriptor from the persistent
// flags shared by every subcommand.
func buildDescriptor(tabID string) (*descriptor.Descriptor, error) {
	d := &descriptor.Descriptor{
		Host:     flagHost,
		Port:     flagPort,
		Username: flagUser,
		TabID:    tabID,
	}

	switch {
	case flagKeyPath != "":
		d.AuthType = descriptor.AuthPrivateKey
		d.PrivateKeyPath = flagKeyPath
	default:
		d.AuthType = descriptor.AuthPassword
		d.Password = flagPassword
	}

	if flagProxyType != "" {
		d.Proxy = &descriptor.Proxy{
			Type: descriptor.ProxyType(flagProxyType),
			Host: flagProxyHost,
			Port: flagProxyPort,
		}
	}

	d.Normalize()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func readKeyFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// runtime bundles the subset of C1-C9 every subcommand needs: a resolver
// so proxy-aware dialing works identically to the hosted server, and a
// pool/sftp/transfer stack so file operations reuse one connection per
// invocation instead of opening a fresh SSH session per file.
type runtime struct {
	bus      *events.Bus
	resolver *proxy.Resolver
	pool     *pool.Pool
	sftp     *sftpmgr.Manager
	transfer *transfer.Manager
}

func newRuntime() *runtime {
	bus := events.New()
	resolver := proxy.NewResolver(nil, nil)
	p := pool.New(resolver, hostcap.NopCapabilities{}, bus)
	sftp := sftpmgr.New()
	tr := transfer.New(sftp, p, bus, flagRateLimit)
	return &runtime{bus: bus, resolver: resolver, pool: p, sftp: sftp, transfer: tr}
}

func (rt *runtime) close() {
	rt.pool.Stop()
}
