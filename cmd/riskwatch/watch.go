package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/riskwatch/internal/alert"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/monitor"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/transaction"
	"github.com/mbd888/riskwatch/internal/webhooks"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live feed and print new alerts as they arrive",
		Long: `Connects to the analyzer's push channel, polls both snapshot endpoints,
and prints every newly seen alert. Each new alert also plays the configured
sound cue. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	addFilterFlags(cmd)
	cmd.Flags().BoolP("json", "j", false, "Print one JSON object per line")
	cmd.Flags().Bool("quiet", false, "Do not play the alert cue")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	spec, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	quiet, _ := cmd.Flags().GetBool("quiet")

	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, stop := signal.NotifyContext(base, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Logs go to stderr so stdout stays a clean record stream.
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	store := reconciliation.NewStore(logging.Component(logger, "store"))

	player := alert.Player(alert.NopPlayer{})
	if !quiet {
		player, err = alert.NewPlayer(cfg.Alert.Command, cfg.Alert.Bell, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	}
	trigger := alert.NewTrigger(player, risk.Band(cfg.Alert.MinBand), logging.Component(logger, "alert"))
	trigger.Attach(ctx, store)

	waitHooks := func() {}
	if cfg.Alert.WebhookURL != "" {
		hooks := webhooks.NewDispatcher(webhooks.Config{
			URL:     cfg.Alert.WebhookURL,
			Secret:  cfg.Alert.WebhookSecret,
			MinBand: risk.Band(cfg.Alert.MinBand),
		}, logging.Component(logger, "webhooks"))
		hooks.Attach(ctx, store)
		waitHooks = hooks.Wait
	}
	settle := func() {
		trigger.Wait()
		waitHooks()
	}

	mon, err := monitor.New(cfg, store, logger)
	if err != nil {
		return err
	}

	// Printing hangs off the insert hook, which sees every new record;
	// a buffered subscription could drop some under a burst.
	var (
		printErr  error
		printOnce sync.Once
	)
	out := cmd.OutOrStdout()
	store.OnInsert(func(tx transaction.Transaction) {
		if !spec.Match(tx) {
			return
		}
		if err := printRecord(out, tx, asJSON); err != nil {
			printOnce.Do(func() {
				printErr = err
				stop()
			})
		}
	})

	err = mon.Run(ctx)
	settle()
	if printErr != nil {
		return printErr
	}
	return err
}

// printRecord writes one new record as a JSON line or a table row.
func printRecord(w io.Writer, tx transaction.Transaction, asJSON bool) error {
	if asJSON {
		b, err := json.Marshal(tx.Annotate())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	_, err := fmt.Fprintln(w, row(tx))
	return err
}
