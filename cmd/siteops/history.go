package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent deployments",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of deployments to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := setup(nil)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.cfg.History.Disabled {
		return errors.New("history is disabled in the configuration")
	}
	h := e.openHistory()
	if h == nil {
		return fmt.Errorf("history database %s could not be opened", e.cfg.History.DBPath)
	}

	records, err := h.Deployments(cmd.Context(), e.cfg.App.Name, historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No deployments recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMODE\tSTATUS\tSTATE\tDURATION\tERROR")
	for _, r := range records {
		duration := "-"
		if r.DurationSeconds != nil {
			duration = (time.Duration(*r.DurationSeconds * float64(time.Second))).Round(time.Second).String()
		}
		errMsg := ""
		if r.ErrorKind != nil {
			errMsg = *r.ErrorKind
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Mode, r.Status, r.State, duration, errMsg)
	}
	return w.Flush()
}
