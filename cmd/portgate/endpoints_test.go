package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/spf13/cobra"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadEndpointsFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "allow.js", "accept();\n")
	path := writeTestFile(t, dir, "endpoints.yaml", `
endpoints:
  - port: 5000
    backlog: 128
    receive_buffer: 65536
    accept_timeout_ms: 30000
    policy_file: allow.js
  - port: 5001
    enabled: false
`)

	endpoints, err := loadEndpointsFile(path)
	if err != nil {
		t.Fatalf("loadEndpointsFile: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("parsed %d endpoints, want 2", len(endpoints))
	}

	first := endpoints[0]
	if first.Port != 5000 || first.Backlog != 128 || first.ReceiveBuffer != 65536 || first.AcceptTimeoutMS != 30000 {
		t.Errorf("unexpected first endpoint: %+v", first)
	}
	if first.PolicyScript != "accept();\n" {
		t.Errorf("policy script = %q, want file contents", first.PolicyScript)
	}
	if !first.Enabled {
		t.Error("enabled should default to true")
	}

	second := endpoints[1]
	if second.Port != 5001 {
		t.Errorf("second port = %d, want 5001", second.Port)
	}
	if second.Enabled {
		t.Error("explicit enabled: false was not honored")
	}
}

func TestLoadEndpointsFileAbsolutePolicyPath(t *testing.T) {
	policyDir := t.TempDir()
	policyPath := writeTestFile(t, policyDir, "drop.js", "reject();\n")

	yamlDir := t.TempDir()
	path := writeTestFile(t, yamlDir, "endpoints.yaml", `
endpoints:
  - port: 5002
    policy_file: `+policyPath+`
`)

	endpoints, err := loadEndpointsFile(path)
	if err != nil {
		t.Fatalf("loadEndpointsFile: %v", err)
	}
	if endpoints[0].PolicyScript != "reject();\n" {
		t.Errorf("policy script = %q, want absolute file contents", endpoints[0].PolicyScript)
	}
}

func TestLoadEndpointsFileErrors(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"port out of range": `
endpoints:
  - port: 70000
`,
		"no endpoints defined": `
endpoints: []
`,
		"read policy file": `
endpoints:
  - port: 5000
    policy_file: missing.js
`,
		"accept timeout must not be negative": `
endpoints:
  - port: 5000
    accept_timeout_ms: -1
`,
	}

	for wantErr, content := range cases {
		path := writeTestFile(t, dir, "case.yaml", content)
		_, err := loadEndpointsFile(path)
		if err == nil {
			t.Errorf("expected error containing %q, got nil", wantErr)
			continue
		}
		if !strings.Contains(err.Error(), wantErr) {
			t.Errorf("error = %v, want it to contain %q", err, wantErr)
		}
	}

	if _, err := loadEndpointsFile(filepath.Join(dir, "nonexistent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// newEndpointsTestRoot mirrors the production root command wiring so
// subcommands see the persistent --json flag.
func newEndpointsTestRoot() *cobra.Command {
	root := &cobra.Command{Use: "test"}
	root.PersistentFlags().Bool("json", false, "Output in JSON format")
	root.AddCommand(newEndpointsCommand())
	return root
}

func runEndpointsCommand(t *testing.T, args ...string) {
	t.Helper()
	root := newEndpointsTestRoot()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("command %v failed: %v", args, err)
	}
}

func TestEndpointProfileLifecycle(t *testing.T) {
	t.Setenv("PORTGATE_HOME", t.TempDir())

	captureStdout(t, func() {
		runEndpointsCommand(t, "endpoints", "add",
			"--port", "5000",
			"--backlog", "128",
			"--receive-buffer", "65536",
			"--accept-timeout-ms", "30000")
	})

	store, err := configstore.Open(configstore.Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ep, err := store.GetEndpoint(context.Background(), 5000)
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if ep.Backlog != 128 || ep.ReceiveBuffer != 65536 || ep.AcceptTimeoutMS != 30000 {
		t.Errorf("stored endpoint = %+v", ep)
	}
	if !ep.Enabled {
		t.Error("endpoint should be enabled by default")
	}

	captureStdout(t, func() {
		runEndpointsCommand(t, "endpoints", "disable", "5000")
	})
	ep, err = store.GetEndpoint(context.Background(), 5000)
	if err != nil {
		t.Fatalf("get endpoint after disable: %v", err)
	}
	if ep.Enabled {
		t.Error("endpoint still enabled after disable")
	}

	captureStdout(t, func() {
		runEndpointsCommand(t, "endpoints", "enable", "5000")
	})
	ep, err = store.GetEndpoint(context.Background(), 5000)
	if err != nil {
		t.Fatalf("get endpoint after enable: %v", err)
	}
	if !ep.Enabled {
		t.Error("endpoint still disabled after enable")
	}

	captureStdout(t, func() {
		runEndpointsCommand(t, "endpoints", "remove", "5000")
	})
	if _, err := store.GetEndpoint(context.Background(), 5000); !configstore.IsNotFound(err) {
		t.Errorf("expected not-found after remove, got %v", err)
	}
}

func TestEndpointsApplyCommand(t *testing.T) {
	t.Setenv("PORTGATE_HOME", t.TempDir())

	dir := t.TempDir()
	writeTestFile(t, dir, "gate.js", "accept();\n")
	path := writeTestFile(t, dir, "endpoints.yaml", `
endpoints:
  - port: 5000
    policy_file: gate.js
  - port: 5001
    accept_timeout_ms: 1000
    enabled: false
`)

	captureStdout(t, func() {
		runEndpointsCommand(t, "endpoints", "apply", "-f", path)
	})

	store, err := configstore.Open(configstore.Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	first, err := store.GetEndpoint(context.Background(), 5000)
	if err != nil {
		t.Fatalf("get endpoint 5000: %v", err)
	}
	if first.PolicyScript != "accept();\n" {
		t.Errorf("policy script = %q", first.PolicyScript)
	}
	if !first.Enabled {
		t.Error("endpoint 5000 should be enabled")
	}

	second, err := store.GetEndpoint(context.Background(), 5001)
	if err != nil {
		t.Fatalf("get endpoint 5001: %v", err)
	}
	if second.AcceptTimeoutMS != 1000 {
		t.Errorf("accept timeout = %d, want 1000", second.AcceptTimeoutMS)
	}
	if second.Enabled {
		t.Error("endpoint 5001 should be disabled")
	}

	enabled, err := store.ListEnabledEndpoints(context.Background())
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Port != 5000 {
		t.Errorf("enabled endpoints = %+v, want only 5000", enabled)
	}
}
