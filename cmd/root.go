package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/llm-serving/dispatchd/dispatch"
	"github.com/llm-serving/dispatchd/dispatch/fleet"
	"github.com/llm-serving/dispatchd/dispatch/server"
)

var (
	// CLI flags for the serve command
	configPath    string   // Path to the yaml config file
	logLevel      string   // Log verbosity level
	listenAddr    string   // HTTP listen address override
	etcdEndpoints []string // Fleet registry endpoints override
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Request-dispatch control plane for inference serving",
}

// serveCmd runs the control plane: the scheduler operation loop, the
// fleet synchronizer, and the HTTP surface.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch control plane",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := dispatch.DefaultConfig()
		if configPath != "" {
			cfg, err = dispatch.LoadConfig(configPath)
			if err != nil {
				logrus.Fatalf("Loading config: %v", err)
			}
		}
		if listenAddr != "" {
			cfg.Server.Listen = listenAddr
		}
		if len(etcdEndpoints) > 0 {
			cfg.Fleet.Endpoints = etcdEndpoints
		}
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid config: %v", err)
		}

		reg := prometheus.NewRegistry()
		rng := dispatch.NewPartitionedRNG(dispatch.NewSchedulingKey(cfg.Seed))
		sink := dispatch.MultiStatsSink{dispatch.LogStatsSink{}, dispatch.NewPromStatsSink(reg)}
		sched, err := dispatch.NewScheduler(cfg.Scheduler.DispatchPolicy, cfg.Scheduler.DispatchInstances, rng, sink)
		if err != nil {
			logrus.Fatalf("Building scheduler: %v", err)
		}

		registry, err := fleet.NewEtcdRegistry(cfg.Fleet.Endpoints, cfg.Fleet.KeyPrefix, cfg.Fleet.LeaseTTL)
		if err != nil {
			logrus.Fatalf("Connecting fleet registry: %v", err)
		}
		defer registry.Close()

		loop := server.NewLoop(sched)
		loop.Start()
		defer loop.Stop()

		fleetSync := server.NewFleetSync(loop, registry, nil, cfg.Fleet.RefreshInterval())
		srv := server.New(loop, cfg.Server, reg)
		httpServer := &http.Server{Addr: cfg.Server.Listen, Handler: srv.Handler()}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return fleetSync.Run(ctx)
		})
		group.Go(func() error {
			logrus.Infof("dispatchd listening on %s (policy=%s, capacity=%d)",
				cfg.Server.Listen, cfg.Scheduler.DispatchPolicy, cfg.Scheduler.DispatchInstances)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		})

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Fatalf("dispatchd exited: %v", err)
		}
		logrus.Info("dispatchd stopped.")
	},
}

// policiesCmd lists the dispatch policy names the registry recognizes.
var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List the registered dispatch policies",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range dispatch.PolicyNames() {
			cmd.Println(name)
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to yaml config file")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringSliceVar(&etcdEndpoints, "etcd", nil, "Comma-separated etcd endpoints for the fleet registry (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(policiesCmd)
}
