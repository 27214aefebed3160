package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/aerobus/internal/cnc"
)

func newInfoCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the driver's CnC header",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := cnc.MapFile(*dir)
			if err != nil {
				return err
			}
			defer file.Close()

			fmt.Printf("driver dir:              %s\n", *dir)
			fmt.Printf("pid:                     %d\n", file.PID)
			fmt.Printf("started:                 %s\n",
				time.UnixMilli(file.StartTimestampMs).Format(time.RFC3339))
			fmt.Printf("client liveness timeout: %s\n",
				time.Duration(file.ClientLivenessTimeoutNs))
			fmt.Printf("to-driver ring:          %d bytes\n", file.ToDriver.Capacity())
			fmt.Printf("to-clients broadcast:    %d bytes\n", file.ToClients.Capacity())
			fmt.Printf("counter metadata:        %d bytes\n", file.CounterMeta.Capacity())
			fmt.Printf("counter values:          %d bytes\n", file.CounterValues.Capacity())
			fmt.Printf("error log:               %d bytes\n", file.ErrorLog.Capacity())
			return nil
		},
	}
}
