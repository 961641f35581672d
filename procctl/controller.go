// Package procctl controls backend credential-manager processes: checking
// whether one is running, terminating it, and launching it detached (spec
// §4.4). There is no process-management library anywhere in the retrieved
// corpus, so, as spec §9's design notes call for directly, this shells out
// to the platform tools a person would use by hand: tasklist, wmic, and a
// PowerShell CIM fallback for termination, cmd /C start for a detached
// launch.
package procctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrInvalidProcessName is returned when a process name cannot be safely
// embedded in a WMI query (spec §4.4: names come from local config but are
// still validated before being shelled out).
var ErrInvalidProcessName = errors.New("procctl: process name contains unsupported characters")

// terminatePollInterval and terminatePollBudget implement spec §4.4's "after
// issuing termination, poll up to 5 s for the process to vanish".
const (
	terminatePollInterval = 250 * time.Millisecond
	terminatePollBudget   = 5 * time.Second
)

// runner executes name with args and returns its combined stdout. It exists
// so tests can substitute a fake process runner.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(exitErr.Stderr))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// realSleep waits out d or returns ctx.Err() if ctx is cancelled first.
func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func realStat(path string) error {
	_, err := os.Stat(path)
	return err
}

// Controller starts, stops, and queries backend processes by name.
type Controller struct {
	run    runner
	sleep  func(ctx context.Context, d time.Duration) error
	stat   func(path string) error
	logger *slog.Logger
}

// New creates a Controller that shells out to the real OS tools.
func New(logger *slog.Logger) *Controller {
	return &Controller{run: execRunner, sleep: realSleep, stat: realStat, logger: logger}
}

func validateProcessName(name string) error {
	if name == "" || strings.ContainsAny(name, "'\"&|;$`\n\r") {
		return ErrInvalidProcessName
	}
	return nil
}

// IsRunning reports whether a process with the given image name (e.g.
// "1Password.exe") currently exists, via tasklist's CSV filter output.
func (c *Controller) IsRunning(ctx context.Context, processName string) (bool, error) {
	if err := validateProcessName(processName); err != nil {
		return false, err
	}
	out, err := c.run(ctx, "tasklist", "/FI", "IMAGENAME eq "+processName, "/NH", "/FO", "CSV")
	if err != nil {
		return false, fmt.Errorf("procctl: tasklist: %w", err)
	}
	return bytes.Contains(bytes.ToLower(out), bytes.ToLower([]byte(processName))), nil
}

// Terminate kills every process with the given image name. It tries wmic
// first and falls back to the PowerShell CIM cmdlets, since wmic is
// deprecated and absent on newer Windows builds.
func (c *Controller) Terminate(ctx context.Context, processName string) error {
	if err := validateProcessName(processName); err != nil {
		return err
	}

	_, wmicErr := c.run(ctx, "wmic", "process", "where", "name='"+processName+"'", "call", "terminate")
	if wmicErr != nil {
		c.logWarn("wmic terminate failed for %s, falling back to PowerShell CIM: %v", processName, wmicErr)

		script := fmt.Sprintf(
			`Get-CimInstance Win32_Process -Filter "Name='%s'" | Invoke-CimMethod -MethodName Terminate`,
			processName,
		)
		if _, err := c.run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script); err != nil {
			return fmt.Errorf("procctl: terminate %s: wmic: %v; powershell: %w", processName, wmicErr, err)
		}
	}

	c.awaitTermination(ctx, processName)
	return nil
}

// awaitTermination polls IsRunning for up to terminatePollBudget,
// logging and returning if the process hasn't vanished by then (spec §4.4).
func (c *Controller) awaitTermination(ctx context.Context, processName string) {
	var waited time.Duration
	for waited < terminatePollBudget {
		running, err := c.IsRunning(ctx, processName)
		if err != nil {
			c.logWarn("poll for %s termination: %v", processName, err)
			return
		}
		if !running {
			return
		}
		if err := c.sleep(ctx, terminatePollInterval); err != nil {
			return
		}
		waited += terminatePollInterval
	}
	c.logWarn("%s did not terminate within %s", processName, terminatePollBudget)
}

// Launch implements launch_detached (spec §4.4): a no-op if processName is
// already running, PATH resolution for a bare command, and an existence
// check (log and return, not an error) for a path-style exePath that is
// missing. The process itself is started detached from the current process
// via a shell "start" indirection, so it survives the proxy exiting.
func (c *Controller) Launch(ctx context.Context, processName, exePath string) error {
	if exePath == "" {
		return fmt.Errorf("procctl: empty executable path")
	}

	if processName != "" {
		if err := validateProcessName(processName); err != nil {
			return err
		}
		running, err := c.IsRunning(ctx, processName)
		if err != nil {
			c.logWarn("check %s running before launch: %v", processName, err)
		} else if running {
			return nil
		}
	}

	if strings.ContainsAny(exePath, `/\`) {
		if err := c.stat(exePath); err != nil {
			c.logWarn("launch target %s not found: %v", exePath, err)
			return nil
		}
	}

	if _, err := c.run(ctx, "cmd", "/C", "start", "", exePath); err != nil {
		return fmt.Errorf("procctl: launch %s: %w", exePath, err)
	}
	return nil
}

func (c *Controller) logWarn(format string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(fmt.Sprintf(format, args...))
	}
}
