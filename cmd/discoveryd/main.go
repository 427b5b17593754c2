// Command discoveryd runs the service registry daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"shm-discovery/config"
	"shm-discovery/daemon"
	"shm-discovery/logger"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "discoveryd",
	Short:         "Service registry daemon",
	Long:          `discoveryd owns the service registry: publishers offer descriptions to it and subscribers find them, locally or across hosts through the etcd mirror.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (yaml, toml or json)")
	flags.String("listen", "", "address to accept registry clients on")
	flags.String("codec", "", "wire codec: json, binary or msgpack")
	flags.Int("capacity", 0, "maximum number of distinct offered descriptions")
	flags.Int("result-capacity", 0, "maximum number of descriptions one find returns")
	flags.String("counter-file", "", "memory-map the change counter at this path")
	flags.String("lock-file", "", "guard the registry with a flock on this path")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address")
	flags.StringSlice("etcd-endpoints", nil, "mirror offered descriptions to these etcd endpoints")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "json or console")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"listen":                   "listen",
		"codec":                    "codec",
		"registry.capacity":        "capacity",
		"registry.result_capacity": "result-capacity",
		"registry.counter_file":    "counter-file",
		"registry.lock_file":       "lock-file",
		"metrics.listen":           "metrics-listen",
		"etcd.endpoints":           "etcd-endpoints",
		"log.level":                "log-level",
		"log.format":               "log-format",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	log.Info("discoveryd started",
		zap.String("version", version),
		zap.Stringer("addr", d.Addr()),
		zap.Int("capacity", cfg.Registry.Capacity),
		zap.Int("result_capacity", cfg.Registry.ResultCapacity))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
