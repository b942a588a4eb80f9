package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/portgate-io/portgate/internal/config"
	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/daemon"
	portgateversion "github.com/portgate-io/portgate/internal/version"
	"github.com/spf13/cobra"
)

var (
	instanceName string
	foreground   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "portgated",
		Short:         "Portgate daemon - supervises TCP endpoints and serves the admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Flags().StringVar(&instanceName, "instance", config.DefaultInstance, "instance to serve")
	rootCmd.Flags().BoolVar(&foreground, "foreground", false, "stay attached to the terminal instead of detaching")
	rootCmd.Version = portgateversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemon.IsRunning(instanceName) {
		return fmt.Errorf("daemon is already running")
	}

	if !foreground {
		return spawnDetached()
	}

	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if _, err := config.EnsureInstanceDirs(instanceName); err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	store, err := configstore.Open(configstore.Options{InstanceName: instanceName})
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}

	d, err := daemon.New(daemon.Options{Store: store})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := d.Start(); err != nil {
			errChan <- err
		}
	}()

	paths := config.GetInstancePaths(instanceName)
	log.Printf("Portgate daemon started (PID: %d)", os.Getpid())
	log.Printf("Unix socket: %s", paths.Socket)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Printf("Daemon error: %v", err)
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

// spawnDetached re-executes the daemon in its own session with output
// redirected to the instance log, so the launching terminal can close
// without taking the daemon down.
func spawnDetached() error {
	paths, err := config.EnsureInstanceDirs(instanceName)
	if err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	// The child tees its own log output into daemon.log, so only stderr is
	// captured here to keep panics without duplicating every line.
	child := exec.Command(exe, append([]string{"--foreground"}, os.Args[1:]...)...)
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}

	fmt.Printf("Portgate daemon started (PID: %d)\n", child.Process.Pid)
	fmt.Printf("Unix socket: %s\n", paths.Socket)
	return child.Process.Release()
}

func setupLogging() error {
	paths, err := config.EnsureInstanceDirs(instanceName)
	if err != nil {
		return fmt.Errorf("initialise instance directories: %w", err)
	}

	if err := os.MkdirAll(paths.Logs, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Portgate Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
