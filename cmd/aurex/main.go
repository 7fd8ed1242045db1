// Command aurex runs the heterogeneous inference runtime: compile warms the
// kernel cache for a target backend, run drives a token-streaming session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aurexhq/aurex/internal/backend"
	"github.com/aurexhq/aurex/internal/config"
	"github.com/aurexhq/aurex/internal/engine"
	"github.com/aurexhq/aurex/internal/flightstore"
	"github.com/aurexhq/aurex/internal/logger"
	"github.com/aurexhq/aurex/internal/memtier"
	"github.com/aurexhq/aurex/internal/monitoring"
)

var (
	configPath  string
	target      string
	logLevel    string
	logFormat   string
	metricsAddr string
	tokens      int
)

var rootCmd = &cobra.Command{
	Use:   "aurex",
	Short: "Heterogeneous compute runtime for token-streaming inference",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Setup(logLevel, logFormat)
		return nil
	},
}

var compileCmd = &cobra.Command{
	Use:   "compile [model]",
	Short: "Warm the kernel cache for a target backend",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := memtier.NewStore(cfg)
		dispatcher := backend.NewDispatcher(store, cfg)

		kind := backend.KindFromString(target)
		if target != "" && kind != backend.KindCPU {
			dispatcher.Register(kind, backend.NewAccel(kind, store))
		}
		n, err := dispatcher.WarmCache(kind)
		if err != nil {
			return fmt.Errorf("warm cache for %s: %w", kind, err)
		}
		logger.Log.Info("kernel cache warmed",
			"model", modelArg(args), "target", kind.String(), "compiled", n)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [model]",
	Short: "Run a token-streaming inference session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if target != "" {
			cfg.PreferredBackend = target
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var opts []memtier.Option
		switch {
		case cfg.BackingStoreAddr != "":
			client, err := flightstore.Dial(cfg.BackingStoreAddr)
			if err != nil {
				return fmt.Errorf("backing store: %w", err)
			}
			defer client.Close()
			opts = append(opts, memtier.WithSpiller(client))
		case cfg.NVMePresent:
			opts = append(opts, memtier.WithSpiller(memtier.NewMemorySpiller()))
		}
		store := memtier.NewStore(cfg, opts...)
		dispatcher := backend.NewDispatcher(store, cfg)

		monitor := monitoring.NewHealthMonitor(store, dispatcher, cfg)
		if metricsAddr != "" {
			go func() {
				if err := monitor.Start(metricsAddr); err != nil {
					logger.Log.Error("health monitor stopped", "error", err)
				}
			}()
			defer monitor.Stop(context.Background())
		}

		sess, err := engine.NewSession(store, dispatcher, cfg, func(tok int) {
			fmt.Fprintf(cmd.OutOrStdout(), "%d ", tok)
		})
		if err != nil {
			return err
		}
		defer sess.Close()

		logger.Log.Info("session starting", "model", modelArg(args),
			"backend", dispatcher.Select().String(), "tokens", tokens)
		if err := sess.Run(ctx, engine.NewGenerator(tokens)); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout())
		logger.Log.Info("session finished", "emitted", sess.Emitted())
		return nil
	},
}

func modelArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "synthetic"
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFile(configPath)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	compileCmd.Flags().StringVar(&target, "target", "cpu", "backend to compile kernels for")

	runCmd.Flags().StringVar(&target, "target", "", "preferred backend (cpu, rocm, vulkan, opencl, sycl)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /health and /metrics on this address")
	runCmd.Flags().IntVar(&tokens, "tokens", 16, "number of tokens to stream")

	rootCmd.AddCommand(compileCmd, runCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
