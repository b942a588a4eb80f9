package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/portgate-io/portgate/internal/client"
	"github.com/portgate-io/portgate/internal/config"
	"github.com/portgate-io/portgate/internal/constants"
	"github.com/portgate-io/portgate/internal/procutil"
	"github.com/spf13/cobra"
)

func newDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:           "daemon",
		Short:         "Daemon management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	daemonStartCmd := &cobra.Command{
		Use:           "start",
		Short:         "Start the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStart,
	}
	daemonStartCmd.Flags().Bool("foreground", false, "Run the daemon attached to this terminal")

	daemonStopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStop,
	}

	daemonStatusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Get daemon status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	return daemonCmd
}

// daemonAlive probes the instance socket first and falls back to the lock
// file, mirroring the daemon's own startup guard without importing it.
func daemonAlive(paths config.InstancePaths) bool {
	if conn, err := net.DialTimeout("unix", paths.Socket, constants.DaemonUnixProbeTimeout); err == nil {
		conn.Close()
		return true
	}

	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return procutil.IsProcessAlive(pid)
}

// locateDaemonBinary prefers a portgated next to this executable so that
// unpacked release trees work without PATH changes.
func locateDaemonBinary() (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "portgated")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath("portgated")
}

// daemonStart launches portgated for the selected instance
func daemonStart(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	foreground, _ := cmd.Flags().GetBool("foreground")

	paths := config.GetInstancePaths(instanceName)
	if daemonAlive(paths) {
		return out.Error("Daemon is already running", nil)
	}

	bin, err := locateDaemonBinary()
	if err != nil {
		return out.Error("Could not find portgated binary", err)
	}

	daemonArgs := []string{"--instance", instanceName}
	if foreground {
		daemonArgs = append(daemonArgs, "--foreground")
		child := exec.Command(bin, daemonArgs...)
		child.Stdin = os.Stdin
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Run(); err != nil {
			return out.Error("Daemon exited with error", err)
		}
		return nil
	}

	child := exec.Command(bin, daemonArgs...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Run(); err != nil {
		return out.Error("Failed to launch daemon", err)
	}

	// portgated detaches itself; wait until the admin socket answers.
	deadline := time.Now().Add(constants.DaemonStartProbeWindow)
	for time.Now().Before(deadline) {
		if daemonAlive(paths) {
			return out.Success("Daemon started", map[string]any{
				"instance": instanceName,
				"socket":   paths.Socket,
			})
		}
		time.Sleep(constants.DaemonStartProbePause)
	}

	return out.Error("Daemon did not become ready in time", fmt.Errorf("no response on %s", paths.Socket))
}

// daemonStop stops the daemon
func daemonStop(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	var (
		apiErr      error
		apiAttempt  bool
		apiFallback bool
	)

	if c, err := newClient(); err == nil {
		apiAttempt = true
		defer c.Close()
		if err := c.ShutdownDaemon(); err == nil {
			return out.Success("Shutdown request sent to daemon", map[string]any{
				"method": "api",
			})
		} else {
			apiErr = err
			if strings.Contains(strings.ToLower(err.Error()), "unauthorized") {
				return out.Error("Daemon shutdown requires admin privileges", err)
			}
			if errors.Is(err, client.ErrShutdownUnavailable) {
				apiFallback = true
			}
		}
	} else {
		apiErr = err
	}

	paths := config.GetInstancePaths(instanceName)
	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		if apiAttempt {
			return out.Error("Failed to stop daemon via API and local fallback", fmt.Errorf("%v; %w", apiErr, err))
		}
		return out.Error("Failed to read daemon PID", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return out.Error("Invalid daemon PID file", err)
	}

	if err := procutil.TerminateByPID(pid); err != nil {
		return out.Error("Failed to signal daemon", err)
	}

	deadline := time.Now().Add(constants.DaemonStopTimeout)
	for time.Now().Before(deadline) {
		if !procutil.IsProcessAlive(pid) {
			return out.Success("Daemon stopped", map[string]any{
				"pid":          pid,
				"method":       "signal",
				"api_fallback": apiFallback || apiErr != nil,
			})
		}
		time.Sleep(constants.DaemonStartProbePause)
	}

	return out.Success("Sent termination signal to daemon", map[string]any{
		"pid":          pid,
		"method":       "signal",
		"api_fallback": apiFallback || apiErr != nil,
	})
}

// daemonStatus gets the daemon status
func daemonStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := newClient()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	status, err := c.GetDaemonStatus()
	if err != nil {
		return out.Error("Failed to fetch daemon status", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Println("Daemon Status:")
	fmt.Printf("  Version: %v\n", status["version"])
	if instance, ok := status["instance"]; ok {
		fmt.Printf("  Instance: %v\n", instance)
	}
	fmt.Printf("  PID: %v\n", status["pid"])
	if binding, ok := status["binding"]; ok {
		fmt.Printf("  Binding: %v\n", binding)
	}
	if grpcPort, ok := status["grpc_port"]; ok {
		fmt.Printf("  gRPC Port: %v\n", grpcPort)
	}
	if authRequired, ok := status["auth_required"]; ok {
		fmt.Printf("  Auth Required: %v\n", authRequired)
	}
	fmt.Printf("  Endpoints: %v\n", status["endpoints"])
	fmt.Printf("  Active Conns: %v\n", status["active_conns"])
	fmt.Printf("  Accepted: %v\n", status["accepted_total"])
	fmt.Printf("  Rejected: %v\n", status["rejected_total"])
	fmt.Printf("  Closed: %v\n", status["closed_total"])
	if uptime, ok := status["uptime"]; ok {
		fmt.Printf("  Uptime: %v seconds\n", uptime)
	}

	return nil
}
