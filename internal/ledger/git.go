package ledger

import (
	"context"
	"os/exec"
	"strings"
)

// GitInfo returns the commit and branch checked out in dir. Either is empty
// when dir is not a git work tree or git is unavailable.
func GitInfo(ctx context.Context, dir string) (commit, branch string) {
	if dir == "" {
		return "", ""
	}
	commit = gitOutput(ctx, dir, "rev-parse", "HEAD")
	branch = gitOutput(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	return commit, branch
}

func gitOutput(ctx context.Context, dir string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
