package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ppiankov/aerobus/internal/config"
	"github.com/ppiankov/aerobus/internal/driver"
	"github.com/ppiankov/aerobus/internal/idle"
)

var version = "dev"

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	var (
		dir              string
		termLengthStr    string
		ipcTermLengthStr string
		mtu              int32
		sparse           bool
		strictURI        bool
		livenessStr      string
		lingerStr        string
		imageLivenessStr string
		terminationToken string
		conductorIdle    string
		senderIdle       string
		adminListen      string
	)

	root := &cobra.Command{
		Use:     "aerobusd",
		Short:   "Shared-memory message transport driver",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := driver.NewContext()
			cfg := config.Load()
			if err := cfg.Apply(ctx); err != nil {
				return err
			}
			if adminListen == "" {
				adminListen = cfg.Admin.Listen
			}
			if conductorIdle == "" {
				conductorIdle = cfg.Driver.ConductorIdle
			}
			if senderIdle == "" {
				senderIdle = cfg.Driver.SenderIdle
			}

			// Flags override config.
			if cmd.Flags().Changed("dir") {
				ctx.DriverDir = dir
			}
			if cmd.Flags().Changed("term-length") {
				length, err := config.ParseSize(termLengthStr)
				if err != nil {
					return fmt.Errorf("invalid --term-length: %w", err)
				}
				ctx.TermLength = int32(length)
			}
			if cmd.Flags().Changed("ipc-term-length") {
				length, err := config.ParseSize(ipcTermLengthStr)
				if err != nil {
					return fmt.Errorf("invalid --ipc-term-length: %w", err)
				}
				ctx.IPCTermLength = int32(length)
			}
			if cmd.Flags().Changed("mtu") {
				ctx.MTULength = mtu
			}
			if cmd.Flags().Changed("sparse") {
				ctx.SparseLogFiles = sparse
			}
			if cmd.Flags().Changed("strict-uri-params") {
				ctx.StrictURIParams = strictURI
			}
			if cmd.Flags().Changed("termination-token") {
				ctx.TerminationToken = terminationToken
			}
			durationFlags := []struct {
				name   string
				value  string
				target *int64
			}{
				{"client-liveness-timeout", livenessStr, &ctx.ClientLivenessTimeoutNs},
				{"publication-linger", lingerStr, &ctx.PublicationLingerNs},
				{"image-liveness-timeout", imageLivenessStr, &ctx.ImageLivenessTimeoutNs},
			}
			for _, f := range durationFlags {
				if !cmd.Flags().Changed(f.name) {
					continue
				}
				d, err := time.ParseDuration(f.value)
				if err != nil {
					return fmt.Errorf("invalid --%s: %w", f.name, err)
				}
				*f.target = d.Nanoseconds()
			}

			return runDriver(ctx, conductorIdle, senderIdle, adminListen)
		},
	}

	root.Flags().StringVar(&dir, "dir", driver.DefaultDir(), "driver directory for the CnC file and logs")
	root.Flags().StringVar(&termLengthStr, "term-length", "16m", "default term length for network publications")
	root.Flags().StringVar(&ipcTermLengthStr, "ipc-term-length", "64m", "default term length for ipc publications")
	root.Flags().Int32Var(&mtu, "mtu", driver.DefaultMTULength, "max fragment length including header")
	root.Flags().BoolVar(&sparse, "sparse", false, "create sparse log files")
	root.Flags().BoolVar(&strictURI, "strict-uri-params", false, "reject unknown channel URI parameters")
	root.Flags().StringVar(&livenessStr, "client-liveness-timeout", "10s", "client keepalive timeout")
	root.Flags().StringVar(&lingerStr, "publication-linger", "5s", "publication retention after last release")
	root.Flags().StringVar(&imageLivenessStr, "image-liveness-timeout", "10s", "image retention after last activity")
	root.Flags().StringVar(&terminationToken, "termination-token", "", "token validating TERMINATE_DRIVER commands")
	root.Flags().StringVar(&conductorIdle, "conductor-idle", "", "conductor idle strategy (busy-spin, yield, sleep, backoff)")
	root.Flags().StringVar(&senderIdle, "sender-idle", "", "sender idle strategy")
	root.Flags().StringVar(&adminListen, "admin-listen", "", "admin/metrics listen address (empty disables)")

	return root.Execute()
}

func runDriver(ctx *driver.Context, conductorIdle, senderIdle, adminListen string) error {
	d, err := driver.New(ctx)
	if err != nil {
		return err
	}
	if conductorIdle != "" {
		d.ConductorIdle = idle.New(idle.Parse(conductorIdle))
	}
	if senderIdle != "" {
		d.SenderIdle = idle.New(idle.Parse(senderIdle))
	}
	d.Start()
	fmt.Fprintf(os.Stderr, "aerobusd %s running, dir %s\n", version, ctx.DriverDir)

	var adminSrv *http.Server
	if adminListen != "" {
		reg := prometheus.NewRegistry()
		metrics := driver.NewMetrics(reg)
		reader := d.CountersReader()

		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for range ticker.C {
				metrics.Update(reader)
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		adminSrv = &http.Server{Addr: adminListen, Handler: mux, ReadTimeout: 10 * time.Second}
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "admin listener: %v\n", err)
			}
		}()
		fmt.Fprintf(os.Stderr, "admin listening on %s\n", adminListen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
	case <-d.Terminated():
		fmt.Fprintln(os.Stderr, "termination requested by client, shutting down")
	}

	if adminSrv != nil {
		_ = adminSrv.Close()
	}
	return d.Close()
}
