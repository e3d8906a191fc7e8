package installer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner clones a source repository into destDir. Swappable in tests.
type GitRunner interface {
	Clone(ctx context.Context, repo, ref, destDir string) error
}

type execGitRunner struct{}

func (execGitRunner) Clone(ctx context.Context, repo, ref, destDir string) error {
	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, "--", repo, destDir)

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("git clone: %s: %w", msg, err)
		}
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}
