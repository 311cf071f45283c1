// Command srtla-rec is a receiver-side proxy for SRTLA (SRT Link
// Aggregation). It accepts multiple UDP paths from a single sender and
// merges them into one logical UDP flow toward an upstream SRT server,
// demultiplexing the reverse direction back onto the aggregated paths.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/irltoolkit/srtla-rec/internal/group"
	"github.com/irltoolkit/srtla-rec/internal/metrics"
	"github.com/irltoolkit/srtla-rec/internal/reaper"
	"github.com/irltoolkit/srtla-rec/internal/relay"
	"github.com/irltoolkit/srtla-rec/internal/upstream"
)

var version = "dev"

// Reference values from spec.md §3/§5; these are implementation constants,
// not user-configurable.
const (
	maxGroups        = 200
	maxConnsPerGroup = 16
	connTimeout      = 10 * time.Second
	groupTimeout     = 10 * time.Second
	cleanupPeriod    = 3 * time.Second
	listenRcvBuf     = 32 * 1024 * 1024
)

func usage() string {
	return "Syntax: srtla-rec [-v] LISTEN_PORT SRT_HOST SRT_PORT\n\n-v      Print the version and exit\n"
}

func main() {
	var showVersion bool
	var debug bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:                   "srtla-rec LISTEN_PORT SRT_HOST SRT_PORT",
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		SilenceErrors:         true,
		// Argument count and content are validated by hand in Run rather
		// than via cobra.Args, so a malformed invocation can preserve the
		// existing contract of printing usage and exiting 0, not 1.
		Args: cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if showVersion {
				fmt.Println(version)
				os.Exit(0)
			}
			if len(args) != 3 {
				fmt.Fprint(os.Stderr, usage())
				os.Exit(0)
			}

			listenPort, err := parsePort(args[0])
			if err != nil {
				fmt.Fprint(os.Stderr, usage())
				os.Exit(0)
			}
			srtHost, srtPort := args[1], args[2]

			run(runConfig{
				listenPort:  listenPort,
				srtHost:     srtHost,
				srtPort:     srtPort,
				debug:       debug,
				metricsAddr: metricsAddr,
			})
		},
	}

	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "print the version and exit")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, usage())
		os.Exit(0)
	}
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port out of range: %d", n)
	}
	return n, nil
}

type runConfig struct {
	listenPort  int
	srtHost     string
	srtPort     string
	debug       bool
	metricsAddr string
}

func run(cfg runConfig) {
	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	prober := upstream.New(log)
	srtAddr, err := prober.Resolve(cfg.srtHost, cfg.srtPort)
	if err != nil {
		log.Error("failed to resolve the SRT server address", "error", err)
		os.Exit(1)
	}

	listenConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.listenPort})
	if err != nil {
		log.Error("SRTLA socket creation/bind failed", "error", err)
		os.Exit(1)
	}
	if err := listenConn.SetReadBuffer(listenRcvBuf); err != nil {
		log.Error("failed to set SRTLA socket receive buffer size", "error", err)
		os.Exit(1)
	}

	metricsReg := metrics.New()
	registry := group.NewRegistry(group.Config{
		MaxGroups:       maxGroups,
		MaxConnsPerConn: maxConnsPerGroup,
	}, metricsReg, log)
	rp := reaper.New(registry, connTimeout, groupTimeout, metricsReg, log)

	dial := func() (net.Conn, error) {
		return net.DialUDP("udp4", nil, srtAddr)
	}
	engine := relay.New(listenConn, registry, rp, dial, cleanupPeriod, metricsReg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(ctx)
	})

	if cfg.metricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.metricsAddr, metricsReg, log)
		g.Go(func() error {
			return metricsSrv.Start(ctx)
		})
	}

	log.Info("srtla-rec is now running", "version", version, "listen_port", cfg.listenPort, "srt_addr", srtAddr)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
