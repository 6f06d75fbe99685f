package platform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs short scheduler commands (sbatch, squeue, flux jobs) and
// returns their combined output.
type Runner interface {
	Run(ctx context.Context, dir string, argv ...string) (string, error)
}

// ExecRunner runs commands locally, or through ssh when Host is set.
type ExecRunner struct {
	Host string
}

func (r ExecRunner) Run(ctx context.Context, dir string, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	var cmd *exec.Cmd
	if r.Host != "" {
		remote := strings.Join(quoteAll(argv), " ")
		if dir != "" {
			remote = "cd " + ShellQuote(dir) + " && " + remote
		}
		cmd = exec.CommandContext(ctx, "ssh", r.Host, "bash", "-lc", ShellQuote(remote))
	} else {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	text := strings.TrimSpace(out.String())
	if err != nil {
		return text, fmt.Errorf("%s: %v (output: %s)", argv[0], err, text)
	}
	return text, nil
}

// ShellQuote single-quotes s for POSIX shells.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if isShellSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = ShellQuote(a)
	}
	return out
}

// ShellJoin quotes and joins argv into one command line.
func ShellJoin(argv []string) string { return strings.Join(quoteAll(argv), " ") }

func isShellSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./=:,+@%", r):
		default:
			return false
		}
	}
	return true
}
