package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"shm-discovery/client"
	"shm-discovery/config"
	"shm-discovery/logger"
	"shm-discovery/service"
)

var version = "dev"

// cli carries the state shared by every subcommand. It is filled in by the
// root command's PersistentPreRunE.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	c := &cli{v: v}
	root := &cobra.Command{
		Use:   "discoverctl",
		Short: "Query and drive a service registry daemon",
		Long: `discoverctl talks to a running discoveryd.

Examples:
  # Everything currently offered
  discoverctl find

  # All events of one instance; "*" is the wildcard
  discoverctl find Radar FrontLeft '*'

  # Offer a description until interrupted
  discoverctl offer Radar FrontLeft Objects

  # Print results whenever the registry changes
  discoverctl watch Radar '*' '*'`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.load,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.cfgFile, "config", "c", "", "config file (yaml, toml or json)")
	flags.StringP("addr", "a", "", "daemon address")
	flags.String("codec", "", "wire codec: json, binary or msgpack")
	flags.Duration("timeout", 0, "per-request timeout")
	flags.String("counter-file", "", "read the change counter from the daemon's mapped file")
	flags.String("log-level", "", "debug, info, warn or error")

	// Bind flags to viper
	_ = v.BindPFlag("listen", flags.Lookup("addr"))
	_ = v.BindPFlag("codec", flags.Lookup("codec"))
	_ = v.BindPFlag("client.timeout", flags.Lookup("timeout"))
	_ = v.BindPFlag("registry.counter_file", flags.Lookup("counter-file"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		newFindCmd(c),
		newOfferCmd(c),
		newCounterCmd(c),
		newWatchCmd(c),
	)
	return root
}

func (c *cli) load(*cobra.Command, []string) error {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	c.cfg, c.logger = cfg, log
	return nil
}

func (c *cli) dial(ctx context.Context) (*client.Client, error) {
	cl, err := client.Dial(ctx, c.cfg.Listen,
		client.WithCodec(c.cfg.CodecType()),
		client.WithTimeout(c.cfg.Client.Timeout),
		client.WithPoolSize(c.cfg.Client.PoolSize),
		client.WithRetries(c.cfg.Client.Retries, 50*time.Millisecond),
		client.WithResultCapacity(c.cfg.Registry.ResultCapacity),
		client.WithCounterFile(c.cfg.Registry.CounterFile),
		client.WithLogger(c.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.cfg.Listen, err)
	}
	return cl, nil
}

// queryArgs accepts zero arguments (match everything) or exactly three.
func queryArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 0 && len(args) != 3 {
		return fmt.Errorf("%s takes no arguments or SERVICE INSTANCE EVENT, got %d", cmd.Name(), len(args))
	}
	return nil
}

func parseQuery(args []string) (service.Query, error) {
	if len(args) == 0 {
		return service.AnyQuery, nil
	}
	return service.ParseQuery(args[0], args[1], args[2])
}
