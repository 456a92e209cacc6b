package gitsafety

import (
	"context"
	"os/exec"
	"strings"
)

// WorkTreeClean reports whether the directory's git work tree has no
// uncommitted changes. A directory outside any repository counts as clean;
// there is nothing for a cleanup to clobber that git could have protected.
func WorkTreeClean(ctx context.Context, dir string) (bool, []string, error) {
	inside := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	if out, err := inside.Output(); err != nil || strings.TrimSpace(string(out)) != "true" {
		return true, nil, nil
	}

	status := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain")
	out, err := status.Output()
	if err != nil {
		return false, nil, err
	}
	var dirty []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) == 2 {
			dirty = append(dirty, strings.TrimSpace(fields[1]))
		} else {
			dirty = append(dirty, line)
		}
	}
	return len(dirty) == 0, dirty, nil
}

// GitAvailable reports whether the git binary is on PATH, for diagnostics.
func GitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}
