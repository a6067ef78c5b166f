package tasks

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// ToolStatus represents the availability of an external tool.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool looks name up in PATH and asks it for a version line. Tools that exit
// non-zero but print something still count as available.
func CheckTool(ctx context.Context, name string) ToolStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return ToolStatus{Error: err}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "-version").CombinedOutput()
	if err != nil && len(output) == 0 {
		return ToolStatus{Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if first := strings.TrimSpace(lines[0]); first != "" {
		return first
	}
	return "unknown"
}
