package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/riskwatch/internal/filter"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/poller"
	"github.com/mbd888/riskwatch/internal/retry"
	"github.com/mbd888/riskwatch/internal/transaction"
)

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "fetch alerts|all",
		Short:     "Fetch one snapshot from the analyzer and print it",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"alerts", "all"},
		RunE:      runFetch,
	}
	addFilterFlags(cmd)
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	cmd.Flags().Int("attempts", 3, "Attempts before giving up")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	spec, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}
	attempts, _ := cmd.Flags().GetInt("attempts")
	asJSON, _ := cmd.Flags().GetBool("json")

	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	f := poller.NewFetcher(cfg.Feed.BaseURL,
		poller.Credentials{User: cfg.Feed.User, Pass: cfg.Feed.Pass},
		cfg.Feed.RequestTimeout, logging.Component(logger, "poller"))

	get := f.FetchAll
	if args[0] == "alerts" {
		get = f.FetchAlerts
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var txs []transaction.Transaction
	err = retry.Do(ctx, attempts, 500*time.Millisecond, func() error {
		var ferr error
		txs, ferr = get(ctx)
		if ferr != nil && !retryable(ferr) {
			return retry.Permanent(ferr)
		}
		return ferr
	})
	if err != nil {
		return err
	}

	out := filter.Apply(txs, spec)
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), transaction.AnnotateAll(out))
	}
	if err := writeTable(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d shown\n", len(out), len(txs))
	return err
}

// retryable reports whether another attempt could succeed. Client errors
// other than 408 and 429 will not.
func retryable(err error) bool {
	var fe *poller.FetchError
	if !errors.As(err, &fe) || fe.StatusCode == 0 {
		return true
	}
	switch {
	case fe.StatusCode == http.StatusRequestTimeout, fe.StatusCode == http.StatusTooManyRequests:
		return true
	case fe.StatusCode >= 400 && fe.StatusCode < 500:
		return false
	default:
		return true
	}
}
