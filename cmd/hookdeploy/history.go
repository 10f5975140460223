package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"hookdeploy/internal/history"
	"hookdeploy/internal/security"
	"hookdeploy/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	historyDBPath string
	historyServer string
	historyLimit  int
	historyJSON   bool
	historyRunID  string
	historyLatest bool
)

var historyCmd = &cobra.Command{
	Use:   "history [REPO]",
	Short: "Show recorded deployment runs",
	Long: `Print the most recent deployment runs of a repository from the audit database.

REPO is the full repository name, e.g. acme/app. With --latest the last run of
every target is shown instead, and with --run a single run with its steps.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDBPath, "db", getEnvOrDefault("HOOKDEPLOY_DB_PATH", "./hookdeploy.db"), "Path to SQLite audit database")
	historyCmd.Flags().StringVar(&historyServer, "server", "", "Only show runs on this server")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", history.DefaultLimit, "Maximum number of runs")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print runs as JSON")
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "Show one run and its steps")
	historyCmd.Flags().BoolVar(&historyLatest, "latest", false, "Show the latest run of every target")
}

func runHistory(cmd *cobra.Command, args []string) error {
	modes := 0
	for _, set := range []bool{len(args) == 1, historyRunID != "", historyLatest} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("specify exactly one of REPO, --run or --latest")
	}
	if len(args) == 1 {
		if err := security.ValidateRepoFullName(args[0]); err != nil {
			return fmt.Errorf("invalid repository: %w", err)
		}
	}
	if !fileutil.FileExists(historyDBPath) {
		return fmt.Errorf("audit database not found: %s", historyDBPath)
	}

	hist, err := history.NewHistory(historyDBPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if historyRunID != "" {
		run, err := hist.GetRun(ctx, historyRunID)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(out, run)
		}
		return printRun(out, run)
	}

	var runs []*history.RunRecord
	if historyLatest {
		runs, err = hist.LatestByTarget(ctx)
	} else {
		runs, err = hist.ListRuns(ctx, history.Filter{
			Repository: args[0],
			Server:     historyServer,
			Limit:      historyLimit,
		})
	}
	if err != nil {
		return err
	}

	if historyJSON {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tREPOSITORY\tSERVER\tSTATUS\tTRIGGER\tBRANCH\tCOMMIT\tDURATION\tRUN\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Repository, r.Server, r.Status, r.Trigger,
			r.Branch, shortSHA(r.CommitSHA), millis(r.DurationMS), r.ID, r.Error)
	}
	return w.Flush()
}

func printRun(out io.Writer, r *history.RunRecord) error {
	fmt.Fprintf(out, "Run:        %s\n", r.ID)
	fmt.Fprintf(out, "Target:     %s@%s (%s)\n", r.Repository, r.Server, r.Kind)
	fmt.Fprintf(out, "Trigger:    %s on %s %s\n", r.Trigger, r.Branch, shortSHA(r.CommitSHA))
	fmt.Fprintf(out, "Status:     %s\n", r.Status)
	if r.Error != "" {
		fmt.Fprintf(out, "Error:      [%s] %s\n", r.ErrorKind, r.Error)
	}
	fmt.Fprintf(out, "Started:    %s (%s)\n", r.StartedAt.Local().Format(time.DateTime), millis(r.DurationMS))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nSTEP\tSTATUS\tEXIT\tATTEMPTS\tDURATION\tCOMMAND")
	for _, s := range r.Steps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", s.Name, s.Status, s.ExitCode, s.Attempts, millis(s.DurationMS), s.Command)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
