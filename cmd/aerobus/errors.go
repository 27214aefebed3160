package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/ppiankov/aerobus/internal/cnc"
	"github.com/ppiankov/aerobus/internal/errorlog"
)

func newErrorsCmd(dir *string) *cobra.Command {
	var archivePath string

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Dump the driver's distinct error log",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := cnc.MapFile(*dir)
			if err != nil {
				return err
			}
			defer file.Close()

			if archivePath == "" {
				dumpErrors(file, os.Stdout)
				return nil
			}

			f, err := os.Create(archivePath)
			if err != nil {
				return fmt.Errorf("create archive: %w", err)
			}
			defer f.Close()
			enc, err := zstd.NewWriter(f)
			if err != nil {
				return fmt.Errorf("zstd writer: %w", err)
			}
			dumpErrors(file, enc)
			if err := enc.Close(); err != nil {
				return fmt.Errorf("close archive: %w", err)
			}
			fmt.Fprintf(os.Stderr, "error log archived to %s\n", archivePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "", "write a zstd-compressed dump to this path instead of stdout")
	return cmd
}

func dumpErrors(file *cnc.File, out io.Writer) {
	entries := errorlog.Read(file.ErrorLog, func(obs errorlog.Observation) {
		fmt.Fprintf(out, "%d observations from %s to %s: %s\n",
			obs.Count,
			time.UnixMilli(obs.FirstMs).Format(time.RFC3339),
			time.UnixMilli(obs.LastMs).Format(time.RFC3339),
			obs.Encoded)
	})
	fmt.Fprintf(out, "%d distinct errors\n", entries)
}
