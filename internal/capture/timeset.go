package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ClockSetter changes the system time.
type ClockSetter interface {
	SetTime(ctx context.Context, t time.Time) error
}

// Timedatectl disables NTP and sets the clock through systemd.
type Timedatectl struct {
	Log *slog.Logger
}

func (t Timedatectl) SetTime(ctx context.Context, when time.Time) error {
	if out, err := exec.CommandContext(ctx, "timedatectl", "set-ntp", "false").CombinedOutput(); err != nil {
		return fmt.Errorf("timedatectl set-ntp: %w: %s", err, out)
	}
	stamp := when.UTC().Format("2006-01-02 15:04:05")
	cmd := exec.CommandContext(ctx, "timedatectl", "set-time", stamp)
	cmd.Env = append(cmd.Environ(), "TZ=UTC")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("timedatectl set-time: %w: %s", err, out)
	}
	if t.Log != nil {
		t.Log.Warn("System time changed", "time", stamp)
	}
	return nil
}
