package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCacheCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-cache",
		Short: "Drop every cached episodes page from Redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.RedisURL == "" {
				return fmt.Errorf("purge-cache needs REDIS_URL or redis_url in the config file")
			}

			c, rdb, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			defer rdb.Close()

			n, err := c.PurgeCache(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached pages\n", n)
			return err
		},
	}
}
