package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/websoft9/sshpool/internal/events"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <local-path> <remote-path>",
	Short: "Upload a local file or directory over SFTP",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	localPath, remotePath := args[0], args[1]

	d, err := buildDescriptor("sshctl-upload")
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

	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	progress := func(p events.TransferProgressPayload) {
		printf(color.New(color.FgYellow), "\r%-40s %5.1f%% (%s/s)", p.CurrentFile, p.Progress, humanize.Bytes(uint64(p.TransferSpeedBps)))
	}

	r := func() (ok bool, warn, errMsg string) {
		if info.IsDir() {
			res := rt.transfer.UploadFolder(s, d.TabID, localPath, remotePath, progress)
			return res.Success || res.PartialSuccess, res.Warning, res.Error
		}
		res := rt.transfer.UploadFile(s, d.TabID, localPath, remotePath, progress)
		return res.Success, res.Warning, res.Error
	}

	ok, warn, errMsg := r()
	fmt.Fprintln(stdout)
	if !ok {
		errorf("upload failed: %s\n", errMsg)
		return fmt.Errorf("upload failed: %s", errMsg)
	}
	if warn != "" {
		printf(color.New(color.FgYellow), "upload completed with warnings: %s\n", warn)
		return nil
	}
	printf(color.New(color.FgGreen), "upload complete\n")
	return nil
}
