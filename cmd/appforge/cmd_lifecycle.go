package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, stopCmd, restartDaemonCmd)
}

// daemonProcess resolves the running daemon from the PID file written by
// serve. Signal 0 confirms the recorded process is actually alive, since a
// crash leaves the file behind.
func daemonProcess() (*os.Process, error) {
	raw, err := os.ReadFile(filepath.Join(loadConfig().DataDir, "appforge.pid"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.New("daemon is not running (no PID file)")
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("PID file is corrupt: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.Signal(0))
	}
	if err != nil {
		return nil, fmt.Errorf("daemon is not running (stale PID %d)", pid)
	}
	return proc, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := daemonProcess()
		if err != nil {
			fmt.Println(err)
			return nil
		}
		fmt.Printf("daemon running (PID %d)\n", proc.Pid)

		var health struct {
			Status string `json:"status"`
		}
		if err := callAPI("GET", "/health", nil, &health); err != nil {
			fmt.Printf("API unreachable: %v\n", err)
			return nil
		}
		fmt.Printf("API %s\n", health.Status)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGTERM, "stopping")
	},
}

var restartDaemonCmd = &cobra.Command{
	Use:   "restart-daemon",
	Short: "Restart the running daemon in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGHUP, "restarting")
	},
}

func signalDaemon(sig syscall.Signal, verb string) error {
	proc, err := daemonProcess()
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}
	fmt.Printf("%s daemon (PID %d)\n", verb, proc.Pid)
	return nil
}
