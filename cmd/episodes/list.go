package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/episode-browser/pkg/client"
)

func newListCmd(a *app) *cobra.Command {
	var page int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print one page of episodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if page < 1 {
				return fmt.Errorf("--page must be >= 1 (got %d)", page)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.FetchTimeout*time.Duration(a.cfg.MaxRetries))
			defer cancel()

			c, rdb, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			if rdb != nil {
				defer rdb.Close()
			}

			res, err := c.Episodes(ctx, page)
			if err != nil {
				return fmt.Errorf("fetch page %d: %w", page, err)
			}
			return printPage(cmd.OutOrStdout(), page, res)
		},
	}
	cmd.Flags().IntVarP(&page, "page", "n", 1, "Page number")
	return cmd
}

func printPage(out io.Writer, page int, res *client.EpisodesPage) error {
	if len(res.Results) == 0 {
		_, err := fmt.Fprintln(out, "No episodes found for this page.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tAIR DATE")
	for _, ep := range res.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ep.Episode, ep.Name, ep.AirDate)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(out, "\nPage %d of %d\n", page, res.Info.Pages)
	return err
}
