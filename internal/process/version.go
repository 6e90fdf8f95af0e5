package process

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// QueryVersion runs the backend binary with --version and returns the
// first non-empty line of its output.
func QueryVersion(ctx context.Context, spec Spec) (string, error) {
	bin, err := spec.ResolveBinary()
	if err != nil {
		return "", err
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, bin, "--version")
	cmd.Dir = spec.WorkDir
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("query version: %w", err)
	}
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l, nil
		}
	}
	return "", fmt.Errorf("query version: empty output")
}
