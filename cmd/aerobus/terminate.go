package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/aerobus/internal/cnc"
	"github.com/ppiankov/aerobus/internal/command"
	"github.com/ppiankov/aerobus/internal/ringbuffer"
)

func newTerminateCmd(dir *string) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Request driver termination",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := cnc.MapFile(*dir)
			if err != nil {
				return err
			}
			defer file.Close()

			ring, err := ringbuffer.New(file.ToDriver)
			if err != nil {
				return err
			}
			m := command.TerminateDriverMessage{
				Correlated: command.Correlated{
					ClientID:      ring.NextCorrelationID(),
					CorrelationID: ring.NextCorrelationID(),
				},
				Token: []byte(token),
			}
			if err := ring.Write(command.TerminateDriver, m.Encode()); err != nil {
				return fmt.Errorf("send terminate: %w", err)
			}
			fmt.Fprintln(os.Stderr, "termination requested")
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "termination validation token")
	return cmd
}
