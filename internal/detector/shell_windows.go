//go:build windows

package detector

import (
	"context"
	"os/exec"
)

func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/C", script)
}

func trueCommand(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd", "/C", "exit 0")
}
