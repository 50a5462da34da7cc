// Package injector hands rendered text off into a target agent's
// runtime. The relay treats injection as at-most-once: a failed or
// timed-out attempt is logged and never retried.
package injector

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result captures one injection attempt.
type Result struct {
	ExitCode int
	Output   string
}

// Injector delivers rendered text into a target agent's runtime and
// optionally returns output to be republished.
type Injector interface {
	Inject(ctx context.Context, targetID, text, session string) (Result, error)
}

// CLIInjector invokes an external binary per injection:
//
//	<command> <args...> <targetID> <text>
//
// The agent's session handle, when present, is exported as
// AGENTBRIDGE_SESSION in the child environment.
type CLIInjector struct {
	Command    string
	Args       []string
	Timeout    time.Duration
	WorkingDir string
}

// NewCLIInjector creates a CLIInjector with the default timeout.
func NewCLIInjector(command string, args []string) *CLIInjector {
	return &CLIInjector{
		Command: command,
		Args:    args,
		Timeout: 120 * time.Second,
	}
}

// maxOutput bounds captured injector output before republish.
const maxOutput = 10000

// Inject runs the configured command and captures its output.
func (c *CLIInjector) Inject(ctx context.Context, targetID, text, session string) (Result, error) {
	if c.Command == "" {
		return Result{}, fmt.Errorf("injector command not configured")
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), c.Args...), targetID, text)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	if c.WorkingDir != "" {
		cmd.Dir = c.WorkingDir
	}
	cmd.Env = os.Environ()
	if session != "" {
		cmd.Env = append(cmd.Env, "AGENTBRIDGE_SESSION="+session)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := strings.TrimSpace(stdout.String())
	if s := strings.TrimSpace(stderr.String()); s != "" {
		if output != "" {
			output += "\n"
		}
		output += "STDERR: " + s
	}
	if len(output) > maxOutput {
		output = output[:maxOutput] + fmt.Sprintf("... (truncated, %d more chars)", len(output)-maxOutput)
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{ExitCode: -1, Output: output},
				fmt.Errorf("inject %s: timed out after %v", targetID, timeout)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Result{ExitCode: exitErr.ExitCode(), Output: output},
				fmt.Errorf("inject %s: exit code %d", targetID, exitErr.ExitCode())
		}
		return Result{ExitCode: -1, Output: output}, fmt.Errorf("inject %s: %w", targetID, err)
	}

	return Result{ExitCode: 0, Output: output}, nil
}
