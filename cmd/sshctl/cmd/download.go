package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/websoft9/sshpool/internal/events"
)

var downloadCmd = &cobra.Command{
	Use:   "download <remote-path> <local-dir>",
	Short: "Download a remote file or directory over SFTP",
	Args:  cobra.ExactArgs(2),
	RunE:  runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	remotePath, localDir := args[0], args[1]

	d, err := buildDescriptor("sshctl-download")
	if err != nil {
		return err
	}

	rt := newRuntime()
	defer rt.close()

	s, err := rt.pool.Acquire(cmd.Context(), d, readKeyFile)
	if err != nil {
		errorf("connect failed: %v\n", err)
		return err
	}
	defer rt.pool.Release(s.Key, d.TabID)

	attrs, err := rt.sftp.Stat(s, remotePath)
	if err != nil {
		return err
	}

	progress := func(p events.TransferProgressPayload) {
		printf(color.New(color.FgYellow), "\r%-40s %5.1f%% (%s/s)", p.CurrentFile, p.Progress, humanize.Bytes(uint64(p.TransferSpeedBps)))
	}

	ok, warn, errMsg, path := func() (ok bool, warn, errMsg, path string) {
		if attrs.Type == "dir" {
			r := rt.transfer.DownloadFolder(s, d.TabID, remotePath, localDir, progress)
			return r.Success || r.PartialSuccess, r.Warning, r.Error, r.DownloadPath
		}
		r := rt.transfer.DownloadFile(s, d.TabID, remotePath, localDir, progress)
		return r.Success, r.Warning, r.Error, r.DownloadPath
	}()

	fmt.Fprintln(stdout)
	if !ok {
		errorf("download failed: %s\n", errMsg)
		return fmt.Errorf("download failed: %s", errMsg)
	}
	if warn != "" {
		printf(color.New(color.FgYellow), "download completed with warnings: %s (saved to %s)\n", warn, path)
		return nil
	}
	printf(color.New(color.FgGreen), "downloaded to %s\n", path)
	return nil
}
