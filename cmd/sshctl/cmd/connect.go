package cmd

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/websoft9/sshpool/internal/shell"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open an interactive shell over a pooled SSH session",
	RunE:  runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	d, err := buildDescriptor("sshctl-connect")
	if err != nil {
		return err
	}

	rt := newRuntime()
	defer rt.close()

	printf(color.New(color.FgCyan), "connecting to %s@%s:%d...\n", d.Username, d.Host, d.Port)

	s, err := rt.pool.Acquire(cmd.Context(), d, readKeyFile)
	if err != nil {
		errorf("connect failed: %v\n", err)
		return err
	}
	defer rt.pool.Release(s.Key, d.TabID)

	cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		cols, rows = 80, 24
	}

	ch, err := shell.Open(s, d.TabID, shell.Options{Cols: cols, Rows: rows}, rt.bus)
	if err != nil {
		errorf("open shell: %v\n", err)
		return err
	}
	defer ch.Close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if prev, err := term.MakeRaw(fd); err == nil {
			defer func() { _ = term.Restore(fd, prev) }()
		}
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(stdout, ch)
		close(done)
	}()
	go func() {
		_, _ = io.Copy(ch, os.Stdin)
	}()

	<-done
	return nil
}
