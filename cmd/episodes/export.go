package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/episode-browser/pkg/client"
	"github.com/Sternrassler/episode-browser/pkg/pagination"
)

type exportDocument struct {
	Count    int              `json:"count"`
	Pages    int              `json:"pages"`
	Episodes []client.Episode `json:"episodes"`
}

func newExportCmd(a *app) *cobra.Command {
	var (
		concurrency int
		indent      bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Fetch every page and write all episodes as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, rdb, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if rdb != nil {
				defer rdb.Close()
			}

			bf := pagination.NewBatchFetcher[client.Episode](c, pagination.Config{
				MaxConcurrency: concurrency,
				Timeout:        a.cfg.FetchTimeout,
			})
			items, info, err := bf.FetchAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("export episodes: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if indent {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(exportDocument{Count: len(items), Pages: info.Pages, Episodes: items})
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", pagination.DefaultConfig().MaxConcurrency, "Parallel page fetches")
	cmd.Flags().BoolVar(&indent, "indent", false, "Pretty-print the JSON")
	return cmd
}
