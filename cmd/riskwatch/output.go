package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mbd888/riskwatch/internal/filter"
	"github.com/mbd888/riskwatch/internal/transaction"
)

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("risk", "r", "all", "Risk level: all, low, medium, high")
	cmd.Flags().StringP("search", "q", "", "Search transaction ID, merchant name or customer ID")
	cmd.Flags().String("mode", "supersede", "How search combines with risk: supersede or and")
}

func filterFromFlags(cmd *cobra.Command) (filter.Spec, error) {
	r, _ := cmd.Flags().GetString("risk")
	q, _ := cmd.Flags().GetString("search")
	m, _ := cmd.Flags().GetString("mode")

	level, err := filter.ParseRiskLevel(r)
	if err != nil {
		return filter.Spec{}, err
	}
	mode, err := filter.ParseMode(m)
	if err != nil {
		return filter.Spec{}, err
	}
	return filter.Spec{RiskLevel: level, SearchTerm: q, Mode: mode}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, txs []transaction.Transaction) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tAMOUNT\tMERCHANT\tSCORE\tBAND\tACTION")
	for _, tx := range txs {
		fmt.Fprintln(tw, row(tx))
	}
	return tw.Flush()
}

func row(tx transaction.Transaction) string {
	return fmt.Sprintf("%s\t%s\t%s %s\t%s\t%.2f\t%s\t%s",
		tx.ID, tx.Timestamp, tx.Amount.StringFixed(2), tx.Currency,
		tx.Merchant.Name, tx.Score(), tx.Band(), tx.Action())
}
