// daemon.go — background daemon management for the relay.
//
// Usage:
//
//	agentbridge relay start    — start as background daemon
//	agentbridge relay stop     — send SIGTERM
//	agentbridge relay restart  — stop + start
//	agentbridge relay status   — check the running daemon
//	agentbridge relay          — run single foreground process
package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const pidFileName = "agentbridge.pid"

func init() {
	relayCmd.AddCommand(relayStartCmd)
	relayCmd.AddCommand(relayStopCmd)
	relayCmd.AddCommand(relayRestartCmd)
	relayCmd.AddCommand(relayDaemonStatusCmd)
}

// --- PID file helpers ---

func pidFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentbridge", pidFileName)
}

func writePID(pid int) error {
	dir := filepath.Dir(pidFilePath())
	os.MkdirAll(dir, 0755)
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

// isRunning checks if a process with the given PID is alive.
func isRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// getRunningPID returns the daemon PID if alive.
func getRunningPID() (int, bool) {
	pid, err := readPID()
	if err != nil {
		return 0, false
	}
	if !isRunning(pid) {
		removePID()
		return 0, false
	}
	return pid, true
}

func stopDaemon(pid int, timeout time.Duration) {
	if proc, err := os.FindProcess(pid); err == nil {
		proc.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isRunning(pid) {
			removePID()
			return
		}
		time.Sleep(500 * time.Millisecond)
	}

	if proc, err := os.FindProcess(pid); err == nil {
		proc.Signal(syscall.SIGKILL)
	}
	time.Sleep(500 * time.Millisecond)
	removePID()
}

// --- Subcommands ---

var relayStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, running := getRunningPID(); running {
			return fmt.Errorf("relay is already running (PID %d)", pid)
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot find executable: %w", err)
		}

		relayArgs := []string{"relay"}
		if relayConfigPath != "" {
			relayArgs = append(relayArgs, "--config", relayConfigPath)
		}
		if relayAgentsPath != "" {
			relayArgs = append(relayArgs, "--agents", relayAgentsPath)
		}
		if relayBackend != "" {
			relayArgs = append(relayArgs, "--backend", relayBackend)
		}
		if relayRepublish {
			relayArgs = append(relayArgs, "--republish")
		}

		home, _ := os.UserHomeDir()
		logDir := filepath.Join(home, ".agentbridge")
		os.MkdirAll(logDir, 0755)
		logFile := filepath.Join(logDir, "agentbridge.log")

		outFile, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}

		proc := exec.Command(exe, relayArgs...)
		proc.Stdout = outFile
		proc.Stderr = outFile
		proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		proc.Env = os.Environ()

		if err := proc.Start(); err != nil {
			outFile.Close()
			return fmt.Errorf("failed to start relay: %w", err)
		}
		outFile.Close()

		pid := proc.Process.Pid
		writePID(pid)
		proc.Process.Release()

		fmt.Printf("🚀 Relay started (PID %d, log: %s)\n", pid, logFile)
		return nil
	},
}

var relayStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running relay daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, running := getRunningPID()
		if !running {
			fmt.Println("ℹ️ relay is not running")
			return nil
		}

		fmt.Printf("🛑 Stopping relay (PID %d)...\n", pid)
		stopDaemon(pid, 10*time.Second)
		fmt.Println("✅ Relay stopped")
		return nil
	},
}

var relayRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the relay daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, running := getRunningPID(); running {
			fmt.Printf("🔄 Restarting relay (PID %d)...\n", pid)
			stopDaemon(pid, 10*time.Second)
		}
		return relayStartCmd.RunE(cmd, args)
	},
}

var relayDaemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the relay daemon status",
	Run: func(cmd *cobra.Command, args []string) {
		pid, running := getRunningPID()
		if !running {
			fmt.Println("⚫ relay is not running")
			return
		}

		fmt.Printf("✅ relay running (PID %d)\n", pid)
		fmt.Printf("   PID file: %s\n", pidFilePath())

		home, _ := os.UserHomeDir()
		logFile := filepath.Join(home, ".agentbridge", "agentbridge.log")
		if data, err := os.ReadFile(logFile); err == nil {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			start := len(lines) - 5
			if start < 0 {
				start = 0
			}
			fmt.Println("   Last log lines:")
			for _, l := range lines[start:] {
				fmt.Printf("     %s\n", l)
			}
		}
	},
}
