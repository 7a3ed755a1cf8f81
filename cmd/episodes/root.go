package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/episode-browser/internal/config"
	"github.com/Sternrassler/episode-browser/pkg/client"
	"github.com/Sternrassler/episode-browser/pkg/logging"
)

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	configPath string
	cfg        config.Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "episodes",
		Short:         "Browse Rick and Morty episodes",
		Long:          `episodes serves a paginated, server-rendered episode list backed by the public GraphQL API, and offers the same data on the command line.`,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			a.logger = logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.Log.Level),
				Pretty: cfg.Log.Pretty,
				Output: os.Stderr,
			})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML config file (default $"+config.EnvConfigFile+")")

	root.AddCommand(newServeCmd(a), newListCmd(a), newExportCmd(a), newPurgeCacheCmd(a))
	return root
}

// connect builds the GraphQL client, and the Redis client when one is
// configured. A configured Redis that does not answer is an error.
func (a *app) connect(ctx context.Context) (*client.Client, *redis.Client, error) {
	opts, err := a.cfg.RedisOptions()
	if err != nil {
		return nil, nil, err
	}

	var rdb *redis.Client
	if opts != nil {
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
		a.logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	cc := client.DefaultConfig(rdb, a.cfg.UserAgent)
	cc.Endpoint = a.cfg.GraphQLEndpoint
	cc.CacheTTL = a.cfg.CacheTTL
	cc.MaxRetries = a.cfg.MaxRetries
	cc.Timeout = a.cfg.AttemptTimeout()

	c, err := client.New(cc)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, nil, fmt.Errorf("create client: %w", err)
	}
	return c, rdb, nil
}
