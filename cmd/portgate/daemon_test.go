package main

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/portgate-io/portgate/internal/config"
)

func TestDaemonAliveNoInstance(t *testing.T) {
	t.Setenv("PORTGATE_HOME", t.TempDir())

	paths := config.GetInstancePaths("default")
	if daemonAlive(paths) {
		t.Error("daemonAlive reported true for an empty instance")
	}
}

func TestDaemonAliveLockFile(t *testing.T) {
	t.Setenv("PORTGATE_HOME", t.TempDir())

	paths, err := config.EnsureInstanceDirs("default")
	if err != nil {
		t.Fatalf("ensure instance dirs: %v", err)
	}

	// A lock naming this test process counts as alive.
	if err := os.WriteFile(paths.Lock, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	if !daemonAlive(paths) {
		t.Error("daemonAlive did not honor a live PID lock")
	}

	if err := os.WriteFile(paths.Lock, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	if daemonAlive(paths) {
		t.Error("daemonAlive accepted a garbage lock file")
	}
}

func TestDaemonAliveSocket(t *testing.T) {
	t.Setenv("PORTGATE_HOME", t.TempDir())

	paths, err := config.EnsureInstanceDirs("default")
	if err != nil {
		t.Fatalf("ensure instance dirs: %v", err)
	}

	ln, err := net.Listen("unix", paths.Socket)
	if err != nil {
		t.Skipf("unix sockets not available: %v", err)
	}
	defer ln.Close()

	if !daemonAlive(paths) {
		t.Error("daemonAlive did not detect the listening socket")
	}
}

func TestLocateDaemonBinarySiblingFirst(t *testing.T) {
	// The sibling lookup keys off this test binary's directory.
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable: %v", err)
	}
	sibling := filepath.Join(filepath.Dir(exe), "portgated")
	if err := os.WriteFile(sibling, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Skipf("cannot write next to test binary: %v", err)
	}
	t.Cleanup(func() { os.Remove(sibling) })

	found, err := locateDaemonBinary()
	if err != nil {
		t.Fatalf("locateDaemonBinary: %v", err)
	}
	if found != sibling {
		t.Errorf("located %q, want sibling %q", found, sibling)
	}
}
