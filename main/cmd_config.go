package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exasweep/internal/config"
	"exasweep/internal/platform"
	"exasweep/internal/sweep"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the environment, configuration and study inputs",
	Long: `Checks EXAEPI_BUILD and EXAEPI_DIR, the detected or requested machine and
its agent executable. With --study, also checks that every case of the study
enumerates cleanly and has its input files in <root>/<study>/common.`,
	RunE: runValidate,
}

var listCasesCmd = &cobra.Command{
	Use:   "list-cases",
	Short: "List simulation cases and case groups",
	RunE:  runListCases,
}

var listStudiesCmd = &cobra.Command{
	Use:   "list-studies",
	Short: "List parameter studies",
	RunE:  runListStudies,
}

var listMachinesCmd = &cobra.Command{
	Use:   "list-machines",
	Short: "List configured machines and machine groups",
	RunE:  runListMachines,
}

func init() {
	addSelectionFlags(validateCmd)
}

var errValidation = errors.New("validation failed")

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	b, err := loadBundle()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s configuration: %s=%s %s=%s %s=%s\n", checkLabel(true),
		config.MachinesFile, b.Sources[config.MachinesFile],
		config.StudiesFile, b.Sources[config.StudiesFile],
		config.CasesFile, b.Sources[config.CasesFile])

	// without --machine or --study an undetected machine is only reported
	p, err := resolvePlatform(b)
	if err != nil && (machineName != "" || studyName != "") {
		return err
	}
	checks, ok := platform.CheckEnvironment(env, p)
	for _, c := range checks {
		fmt.Fprintf(out, "%s %s: %s\n", checkLabel(c.OK), c.Name, c.Detail)
	}

	if studyName != "" {
		targets, err := selectTargets(b, p)
		if err != nil {
			return err
		}
		exe, _ := platform.FindExecutable(env.ExaEpiBuild, p.Name)
		for _, t := range targets {
			m := t.materializer(exe)
			detail := fmt.Sprintf("%d runs, %d input files", t.plan.Len(), len(m.Inputs()))
			// a missing executable is already reported above
			cerr := m.CheckInputs()
			inputsOK := cerr == nil || errors.Is(cerr, platform.ErrExecutableNotFound)
			if !inputsOK {
				detail = cerr.Error()
				ok = false
			}
			fmt.Fprintf(out, "%s %s: %s\n", checkLabel(inputsOK), t, detail)
		}
	}
	if !ok {
		return errValidation
	}
	fmt.Fprintln(out, "Environment OK")
	return nil
}

func runListCases(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	b, err := loadBundle()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%-10s %-26s %-24s %-18s %s\n", "CASE", "NAME", "INPUT", "DISEASES", "TAGS")
	for _, name := range config.SortedKeys(b.Cases.Cases) {
		c := b.Cases.Cases[name]
		fmt.Fprintf(out, "%-10s %-26s %-24s %-18s %s\n", name, c.Name, c.InputFile,
			orDash(strings.Join(c.Diseases, ",")), orDash(strings.Join(c.Tags, ",")))
	}
	if len(b.Cases.Groups) > 0 {
		fmt.Fprintln(out, "\nGroups:")
		for _, g := range config.SortedKeys(b.Cases.Groups) {
			fmt.Fprintf(out, "  %-12s %s\n", g, strings.Join(b.Cases.Groups[g], ", "))
		}
	}
	return nil
}

func runListStudies(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	b, err := loadBundle()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%-18s %-5s %-8s %-12s %s\n", "STUDY", "RUNS", "ENSEMBLE", "CASES", "PARAMETERS")
	for _, key := range config.SortedKeys(b.Studies.Studies) {
		st := b.Studies.Studies[key]
		runs := "-"
		if len(st.Cases) > 0 {
			plan, err := sweep.PlanForStudy(st, st.Cases[0], "x")
			if err != nil {
				logger.Warn("study does not enumerate", zap.String("study", key), zap.Error(err))
				runs = "error"
			} else {
				runs = strconv.Itoa(plan.Len())
			}
		}
		var params []string
		for _, p := range st.Parameters {
			params = append(params, fmt.Sprintf("%s(%d)", p.Abbrev, len(p.Values)))
		}
		fmt.Fprintf(out, "%-18s %-5s %-8d %-12s %s\n", key, runs, st.Ensemble.Runs,
			strings.Join(st.Cases, ","), strings.Join(params, " x "))
	}
	return nil
}

func runListMachines(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	b, err := loadBundle()
	if err != nil {
		return err
	}
	detected := ""
	if p, err := platform.Resolve(b.Machines, env, ""); err == nil {
		detected = p.Name
	}
	fmt.Fprintf(out, "  %-12s %-28s %-9s %-6s %-6s %-5s %s\n", "MACHINE", "NAME", "SCHEDULER", "BATCH", "TASKS", "GPUS", "QUEUE")
	for _, name := range config.SortedKeys(b.Machines.Machines) {
		m := b.Machines.Machines[name]
		mark := " "
		if name == detected {
			mark = "*"
		}
		sched := m.Scheduler
		if sched == "" {
			sched = "none"
		}
		fmt.Fprintf(out, "%s %-12s %-28s %-9s %-6t %-6d %-5d %s\n", mark, name, m.DisplayName, sched,
			m.BatchMode, m.Tasks, m.GPUs, orDash(m.Queue))
	}
	if len(b.Machines.Groups) > 0 {
		fmt.Fprintln(out, "\nGroups:")
		for _, g := range config.SortedKeys(b.Machines.Groups) {
			fmt.Fprintf(out, "  %-12s %s\n", g, strings.Join(b.Machines.Groups[g], ", "))
		}
	}
	if detected != "" {
		fmt.Fprintf(out, "\n* detected from the environment\n")
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
