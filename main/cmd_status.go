package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exasweep/internal/dispatch"
	"exasweep/internal/runstate"
)

var watchStatus bool

// watchDebounce coalesces bursts of log writes into one report.
var watchDebounce = time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the state of every run of a study",
	Long: `Classifies each run directory as NOT_STARTED, RUNNING, COMPLETE or FAILED
from its log and its recorded process or scheduler job. Checking never
modifies a run directory. With --watch the report is printed again whenever
a run directory changes, until interrupted.`,
	RunE: runStatus,
}

func init() {
	addSelectionFlags(statusCmd)
	statusCmd.Flags().BoolVar(&ensembleMode, "ensemble", false, "Report the ensemble members instead of the sweep")
	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Re-report whenever a run directory changes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	out := cmd.OutOrStdout()

	b, err := loadBundle()
	if err != nil {
		return err
	}
	p, err := resolvePlatform(b)
	if err != nil {
		return err
	}
	targets, err := selectTargets(b, p)
	if err != nil {
		return err
	}
	checker := runstate.NewChecker(dispatch.LogName(p.Name), jobQuerier(p), logger)

	counts, err := printStatus(ctx, out, checker, targets)
	if err != nil {
		return err
	}
	if watchStatus {
		var dirs []string
		for _, t := range targets {
			dirs = append(dirs, plannedDirs(t)...)
		}
		return watchRuns(ctx, studyRoots(targets), dirs, func() {
			fmt.Fprintf(out, "\n--- %s ---\n", time.Now().Format(time.TimeOnly))
			if _, err := printStatus(ctx, out, checker, targets); err != nil && ctx.Err() == nil {
				logger.Warn("status report failed", zap.Error(err))
			}
		})
	}
	if n := counts[runstate.Failed]; n > 0 {
		return fmt.Errorf("%w: %d runs failed", dispatch.ErrSweepFailed, n)
	}
	return nil
}

func printStatus(ctx context.Context, out io.Writer, checker *runstate.Checker, targets []target) (map[runstate.State]int, error) {
	const stateWidth = 11
	total := make(map[runstate.State]int)
	for _, t := range targets {
		dirs := plannedDirs(t)
		reports, err := checker.CheckAll(ctx, dirs)
		if err != nil {
			return total, err
		}
		fmt.Fprintf(out, "%s\n", headerStyle.Render(t.String()))
		for i, r := range reports {
			name, err := filepath.Rel(t.dir(), dirs[i])
			if err != nil {
				name = dirs[i]
			}
			detail := r.Reason
			if r.State == runstate.Failed && r.LastLine != "" {
				detail += fmt.Sprintf(" (last line: %q)", r.LastLine)
			}
			if r.JobID != "" {
				detail += " [job " + r.JobID + "]"
			}
			fmt.Fprintf(out, "  %s %-44s %s\n", stateLabel(r.State, stateWidth), name, mutedStyle.Render(detail))
		}
		counts := runstate.Counts(reports)
		fmt.Fprintf(out, "  %s\n\n", countsLine(counts, len(reports)))
		for st, n := range counts {
			total[st] += n
		}
	}
	return total, nil
}

func countsLine(counts map[runstate.State]int, n int) string {
	parts := []string{fmt.Sprintf("%d runs", n)}
	for _, st := range []runstate.State{runstate.Complete, runstate.Running, runstate.Failed, runstate.NotStarted} {
		parts = append(parts, fmt.Sprintf("%d %s", counts[st], strings.ToLower(st.String())))
	}
	return strings.Join(parts, ", ")
}

func studyRoots(targets []target) []string {
	seen := make(map[string]bool)
	var roots []string
	for _, t := range targets {
		for _, d := range []string{t.dir(), t.ensembleDir()} {
			if !seen[d] {
				seen[d] = true
				roots = append(roots, d)
			}
		}
	}
	return roots
}

// watchRuns calls report once changes under the watched directories settle,
// until ctx is done. Run directories created after the watch starts are
// picked up through the create events of their parent.
func watchRuns(ctx context.Context, roots, runDirs []string, report func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	wanted := make(map[string]bool, len(runDirs))
	for _, d := range runDirs {
		wanted[filepath.Clean(d)] = true
	}
	watched := 0
	for _, d := range append(append([]string(nil), roots...), runDirs...) {
		if err := watcher.Add(d); err != nil {
			logger.Debug("not watching", zap.String("dir", d), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		return errors.New("no study or run directories to watch; run create first")
	}
	logger.Info("watching run directories", zap.Int("dirs", watched))

	ticker := time.NewTicker(watchDebounce)
	defer ticker.Stop()
	pending := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			if event.Op&fsnotify.Create != 0 && wanted[filepath.Clean(event.Name)] {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						logger.Warn("failed to watch new run directory", zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			if pending {
				pending = false
				report()
			}
		}
	}
}
