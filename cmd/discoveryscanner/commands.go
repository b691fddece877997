package main

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"DiscoveryScanner/internal/digest"
	"DiscoveryScanner/internal/query"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, HTTP API and NATS trigger listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		application, logger, err := setup(ctx)
		if err != nil {
			return err
		}
		defer closeApp(application)

		logger.Info("serving")
		return application.Serve(ctx)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one aggregation run and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, _, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(application)

		run, err := application.RunOnce(cmd.Context())
		if err != nil && run.ID == "" {
			return err
		}
		if jsonOutput {
			_ = printJSON(run)
		} else {
			printRun(run)
		}
		return err
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [key=value ...]",
	Short: "List stored discoveries, e.g. query category=nlp source=github limit=5",
	RunE: func(cmd *cobra.Command, args []string) error {
		values := url.Values{}
		for _, arg := range args {
			parsed, err := url.ParseQuery(arg)
			if err != nil {
				return err
			}
			for k, v := range parsed {
				values[k] = append(values[k], v...)
			}
		}
		filter, err := query.ParseFilter(values)
		if err != nil {
			return err
		}

		application, _, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(application)

		page, err := application.Query().List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(page)
		}
		printPage(page)
		return nil
	},
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent aggregation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, _, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(application)

		runs, err := application.Query().Runs(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(runs)
		}
		printRuns(runs)
		return nil
	},
}

var (
	digestFrequency string
	digestSend      bool
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Render the digest of recent discoveries, optionally sending it to Telegram",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, _, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(application)

		d, sent, err := application.Digest(cmd.Context(), digestFrequency, digestSend)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(d)
		}
		os.Stdout.WriteString(digest.Render(d))
		if digestSend {
			printSent(sent)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 10, "number of runs to show")
	digestCmd.Flags().StringVarP(&digestFrequency, "frequency", "f", "", "daily, weekly or monthly (default digest.frequency)")
	digestCmd.Flags().BoolVar(&digestSend, "send", false, "send the digest through Telegram")
}

func closeApp(closer interface{ Close(context.Context) error }) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = closer.Close(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
