package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"exasweep/internal/ledger"
	"exasweep/internal/server"
)

var (
	historyLimit int
	serveAddr    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded sweeps, newest first",
	RunE:  runHistory,
}

var showCmd = &cobra.Command{
	Use:   "show <sweep-id>",
	Short: "Show one recorded sweep and its runs",
	Long:  "Shows a sweep from the ledger. Any unique prefix of the sweep id is accepted.",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve study status and sweep history over HTTP",
	Long: `Starts a read-only JSON API:

  GET /healthz
  GET /studies
  GET /status/:study?case=<case>&machine=<machine>
  GET /ensembles/:study
  GET /sweeps?limit=<n>
  GET /sweeps/:id`,
	RunE: runServe,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of sweeps to list (0 for all)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
}

func requireLedger() (*ledger.Ledger, error) {
	l, err := openLedger()
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("the ledger is disabled (--no-ledger)")
	}
	return l, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	out := cmd.OutOrStdout()
	l, err := requireLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	sweeps, err := l.Sweeps(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("query sweeps: %w", err)
	}
	fmt.Fprintf(out, "%-8s %-10s %-18s %-12s %-12s %-20s %s\n", "ID", "ACTION", "STUDY", "CASE", "MACHINE", "STARTED_AT", "RESULT")
	for _, s := range sweeps {
		fmt.Fprintf(out, "%-8s %-10s %-18s %-12s %-12s %-20s %s\n", shortID(s.ID), s.Action, s.Study, s.Case,
			s.Machine, s.StartedAt.Local().Format("2006-01-02 15:04:05"), sweepResult(s))
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	out := cmd.OutOrStdout()
	l, err := requireLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	s, err := l.Sweep(ctx, args[0])
	if err != nil {
		return err
	}
	runs, err := l.Runs(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("query runs: %w", err)
	}

	fmt.Fprintf(out, "Sweep:    %s\n", s.ID)
	fmt.Fprintf(out, "Action:   %s\n", s.Action)
	fmt.Fprintf(out, "Study:    %s\n", s.Study)
	fmt.Fprintf(out, "Cases:    %s\n", s.Case)
	fmt.Fprintf(out, "Machine:  %s\n", s.Machine)
	if s.GitCommit != "" {
		fmt.Fprintf(out, "ExaEpi:   %s (%s)\n", s.GitCommit, s.GitBranch)
	}
	fmt.Fprintf(out, "Started:  %s\n", s.StartedAt.Local().Format(time.RFC3339))
	if s.FinishedAt != nil {
		fmt.Fprintf(out, "Finished: %s (%s)\n", s.FinishedAt.Local().Format(time.RFC3339),
			s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(out, "Result:   %s\n", sweepResult(s))
	if len(runs) == 0 {
		return nil
	}
	fmt.Fprintf(out, "\n%-46s %-10s %-8s %-12s %s\n", "RUN", "STATE", "PID", "JOB_ID", "EXIT")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprint(r.PID)
		}
		fmt.Fprintf(out, "%-46s %-10s %-8s %-12s %s\n", r.RunKey, r.State, pid, orDash(r.JobID), exit)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sweepResult(s ledger.Sweep) string {
	if s.FinishedAt == nil {
		return "in progress"
	}
	res := fmt.Sprintf("%d total, %d ok, %d failed, %d skipped", s.Total, s.Succeeded, s.Failed, s.Skipped)
	if s.Submitted > 0 {
		res += fmt.Sprintf(", %d submitted", s.Submitted)
	}
	return res
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	b, err := loadBundle()
	if err != nil {
		return err
	}
	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &server.Server{Config: b, Root: rootDir, Machine: machineName, Logger: logger}
	if p, err := resolvePlatform(b); err == nil {
		srv.Machine = p.Name
		srv.Jobs = jobQuerier(p)
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	if l != nil {
		defer l.Close()
		srv.Ledger = l
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s (root %s)\n", serveAddr, rootDir)
	return srv.Run(ctx, serveAddr)
}
