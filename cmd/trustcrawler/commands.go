package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background crawl scheduler",
		Long: `Starts the HTTP API (search, submit, crawl status, metrics) and, unless
disabled, the scheduler that recomputes trust and crawls promoted pages.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Serve(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP listen port (overrides server.port)")
	cmd.Flags().Bool("no-scheduler", false, "serve queries without crawling")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <url>",
		Short: "Mark a URL as fully trusted and fetch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Query().Submit(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Outcome.Message())
			if res.FetchErr != nil {
				fmt.Fprintf(out, "warning: %v\n", res.FetchErr)
				return nil
			}
			fmt.Fprintf(out, "%s (%d keywords, %d links)\n", res.Page.Title, len(res.Page.Keywords), len(res.Page.Links))
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <word>...",
		Short: "List pages containing every word, most trusted first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			pages, err := appInstance.Query().Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pages) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRUST\tURL\tTITLE")
			for _, p := range pages {
				fmt.Fprintf(tw, "%.6f\t%s\t%s\n", p.Trust, p.URL, p.Title)
			}
			return tw.Flush()
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how many pages are known and waiting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, err := appInstance.Query().Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total crawled pages: %d\nlinks waiting: %d\n", st.TotalPages, st.FrontierSize)
			return nil
		},
	}
}
