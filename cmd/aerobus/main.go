package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/aerobus/internal/driver"
)

var version = "dev"

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	var dir string

	root := &cobra.Command{
		Use:     "aerobus",
		Short:   "Operate and inspect a running aerobus driver",
		Version: version,
	}
	root.PersistentFlags().StringVar(&dir, "dir", driver.DefaultDir(), "driver directory")

	root.AddCommand(newStatCmd(&dir))
	root.AddCommand(newErrorsCmd(&dir))
	root.AddCommand(newInfoCmd(&dir))
	root.AddCommand(newTerminateCmd(&dir))
	return root.Execute()
}
