package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/portgate-io/portgate/internal/client"
	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newEndpointsCommand() *cobra.Command {
	endpointsCmd := &cobra.Command{
		Use:           "endpoints",
		Short:         "Manage supervised endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          endpointsList,
	}
	listCmd.Flags().Bool("saved", false, "List saved endpoint profiles instead of live endpoints")

	showCmd := &cobra.Command{
		Use:           "show <port>",
		Short:         "Show a live endpoint",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          endpointsShow,
	}

	addCmd := &cobra.Command{
		Use:           "add",
		Short:         "Add or update an endpoint profile",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          endpointsAdd,
	}
	addCmd.Flags().Int("port", 0, "Port to listen on (required)")
	addCmd.Flags().Int("backlog", 0, "Listen backlog hint (0 = system default)")
	addCmd.Flags().Int("receive-buffer", 0, "Receive buffer size hint in bytes (0 = system default)")
	addCmd.Flags().Int("accept-timeout-ms", 0, "Accept timeout in milliseconds (0 = wait indefinitely)")
	addCmd.Flags().String("policy-file", "", "JavaScript accept policy file")
	addCmd.Flags().Bool("disabled", false, "Save the profile without opening the endpoint")
	addCmd.MarkFlagRequired("port")

	removeCmd := &cobra.Command{
		Use:           "remove <port>",
		Short:         "Remove an endpoint profile",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          endpointsRemove,
	}

	enableCmd := &cobra.Command{
		Use:           "enable <port>",
		Short:         "Enable an endpoint profile",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          endpointsEnable,
	}

	disableCmd := &cobra.Command{
		Use:           "disable <port>",
		Short:         "Disable an endpoint profile",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          endpointsDisable,
	}

	disposeCmd := &cobra.Command{
		Use:           "dispose <port>",
		Short:         "Dispose a live endpoint and close its connections",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          endpointsDispose,
	}

	applyCmd := &cobra.Command{
		Use:           "apply",
		Short:         "Apply endpoint profiles from a YAML file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          endpointsApply,
	}
	applyCmd.Flags().StringP("file", "f", "", "YAML file with endpoint profiles (required)")
	applyCmd.MarkFlagRequired("file")

	endpointsCmd.AddCommand(listCmd, showCmd, addCmd, removeCmd, enableCmd, disableCmd, disposeCmd, applyCmd)
	return endpointsCmd
}

func parsePortArg(arg string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", arg)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func endpointPolicyLabel(policy string) string {
	if strings.TrimSpace(policy) == "" {
		return "-"
	}
	return policy
}

func printEndpointTable(endpoints []client.EndpointSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tPOLICY\tCONNS\tACCEPTED\tREJECTED\tCLOSED\tOPENED")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			ep.Port,
			endpointPolicyLabel(ep.Policy),
			ep.ActiveConns,
			ep.AcceptedTotal,
			ep.RejectedTotal,
			ep.ClosedTotal,
			ep.OpenedAt.UTC().Format(time.RFC3339),
		)
	}
	w.Flush()
}

func printSavedEndpointTable(endpoints []configstore.Endpoint) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tENABLED\tBACKLOG\tRCVBUF\tTIMEOUT-MS\tPOLICY")
	for _, ep := range endpoints {
		policy := "-"
		if strings.TrimSpace(ep.PolicyScript) != "" {
			policy = "yes"
		}
		fmt.Fprintf(w, "%d\t%t\t%d\t%d\t%d\t%s\n",
			ep.Port, ep.Enabled, ep.Backlog, ep.ReceiveBuffer, ep.AcceptTimeoutMS, policy)
	}
	w.Flush()
}

// endpointsList lists live endpoints from the daemon, or saved profiles
// from the config store when --saved is set.
func endpointsList(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	saved, _ := cmd.Flags().GetBool("saved")

	if saved {
		return endpointsListSaved(out)
	}

	c, err := newClient()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	endpoints, err := c.ListEndpoints()
	if err != nil {
		return out.Error("Failed to list endpoints", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{
			"endpoints": endpoints,
			"count":     len(endpoints),
		})
	}

	if len(endpoints) == 0 {
		fmt.Println("No endpoints open.")
		return nil
	}

	printEndpointTable(endpoints)
	return nil
}

func endpointsListSaved(out *OutputFormatter) error {
	store, err := configstore.Open(configstore.Options{InstanceName: instanceName, ReadOnly: true})
	if err != nil {
		return out.Error("Failed to open config store", err)
	}
	defer store.Close()

	endpoints, err := store.ListEndpoints(context.Background())
	if err != nil {
		return out.Error("Failed to list endpoint profiles", err)
	}

	type epJSON struct {
		Port            int    `json:"port"`
		Backlog         int    `json:"backlog"`
		ReceiveBuffer   int    `json:"receive_buffer"`
		AcceptTimeoutMS int    `json:"accept_timeout_ms"`
		Policy          bool   `json:"policy"`
		Enabled         bool   `json:"enabled"`
		UpdatedAt       string `json:"updated_at"`
	}

	result := make([]epJSON, 0, len(endpoints))
	for _, ep := range endpoints {
		result = append(result, epJSON{
			Port:            ep.Port,
			Backlog:         ep.Backlog,
			ReceiveBuffer:   ep.ReceiveBuffer,
			AcceptTimeoutMS: ep.AcceptTimeoutMS,
			Policy:          strings.TrimSpace(ep.PolicyScript) != "",
			Enabled:         ep.Enabled,
			UpdatedAt:       ep.UpdatedAt,
		})
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{
			"endpoints": result,
			"count":     len(result),
		})
	}

	if len(endpoints) == 0 {
		fmt.Println("No endpoint profiles saved.")
		return nil
	}

	printSavedEndpointTable(endpoints)
	return nil
}

func endpointsShow(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	port, err := parsePortArg(args[0])
	if err != nil {
		return out.Error("Invalid arguments", err)
	}

	c, err := newClient()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	ep, err := c.GetEndpoint(port)
	if err != nil {
		return out.Error("Failed to fetch endpoint", err)
	}

	if out.jsonMode {
		return out.Print(ep)
	}

	fmt.Printf("Endpoint %d:\n", ep.Port)
	fmt.Printf("  Policy: %s\n", endpointPolicyLabel(ep.Policy))
	if ep.Backlog > 0 {
		fmt.Printf("  Backlog: %d\n", ep.Backlog)
	}
	if ep.ReceiveBuffer > 0 {
		fmt.Printf("  Receive Buffer: %d\n", ep.ReceiveBuffer)
	}
	if ep.AcceptTimeoutMS > 0 {
		fmt.Printf("  Accept Timeout: %dms\n", ep.AcceptTimeoutMS)
	}
	fmt.Printf("  Opened: %s\n", ep.OpenedAt.UTC().Format(time.RFC3339))
	fmt.Printf("  Active Conns: %d\n", ep.ActiveConns)
	fmt.Printf("  Accepted: %d\n", ep.AcceptedTotal)
	fmt.Printf("  Rejected: %d\n", ep.RejectedTotal)
	fmt.Printf("  Closed: %d\n", ep.ClosedTotal)
	return nil
}

// endpointsAdd saves an endpoint profile. The daemon watches the config
// store and opens the endpoint shortly after.
func endpointsAdd(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	port, _ := cmd.Flags().GetInt("port")
	backlog, _ := cmd.Flags().GetInt("backlog")
	receiveBuffer, _ := cmd.Flags().GetInt("receive-buffer")
	acceptTimeoutMS, _ := cmd.Flags().GetInt("accept-timeout-ms")
	policyFile, _ := cmd.Flags().GetString("policy-file")
	disabled, _ := cmd.Flags().GetBool("disabled")

	if port <= 0 || port > 65535 {
		return out.Error("Invalid arguments", fmt.Errorf("port %d out of range", port))
	}
	if acceptTimeoutMS < 0 {
		return out.Error("Invalid arguments", fmt.Errorf("accept timeout must not be negative"))
	}

	var policyScript string
	if strings.TrimSpace(policyFile) != "" {
		content, err := os.ReadFile(filepath.Clean(policyFile))
		if err != nil {
			return out.Error("Failed to read policy file", err)
		}
		policyScript = string(content)
	}

	store, err := configstore.Open(configstore.Options{InstanceName: instanceName})
	if err != nil {
		return out.Error("Failed to open config store", err)
	}
	defer store.Close()

	ep := configstore.Endpoint{
		Port:            port,
		Backlog:         backlog,
		ReceiveBuffer:   receiveBuffer,
		AcceptTimeoutMS: acceptTimeoutMS,
		PolicyScript:    policyScript,
		Enabled:         !disabled,
	}
	if err := store.UpsertEndpoint(context.Background(), ep); err != nil {
		return out.Error("Failed to save endpoint profile", err)
	}

	return out.Success(fmt.Sprintf("Endpoint profile %d saved", port), map[string]interface{}{
		"port":    port,
		"enabled": !disabled,
	})
}

func endpointsRemove(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	port, err := parsePortArg(args[0])
	if err != nil {
		return out.Error("Invalid arguments", err)
	}

	store, err := configstore.Open(configstore.Options{InstanceName: instanceName})
	if err != nil {
		return out.Error("Failed to open config store", err)
	}
	defer store.Close()

	if err := store.DeleteEndpoint(context.Background(), port); err != nil {
		return out.Error("Failed to remove endpoint profile", err)
	}

	return out.Success(fmt.Sprintf("Endpoint profile %d removed", port), map[string]interface{}{
		"port": port,
	})
}

func endpointsEnable(cmd *cobra.Command, args []string) error {
	return setEndpointEnabled(cmd, args, true)
}

func endpointsDisable(cmd *cobra.Command, args []string) error {
	return setEndpointEnabled(cmd, args, false)
}

func setEndpointEnabled(cmd *cobra.Command, args []string, enabled bool) error {
	out := newOutputFormatter(cmd)

	port, err := parsePortArg(args[0])
	if err != nil {
		return out.Error("Invalid arguments", err)
	}

	store, err := configstore.Open(configstore.Options{InstanceName: instanceName})
	if err != nil {
		return out.Error("Failed to open config store", err)
	}
	defer store.Close()

	if err := store.SetEndpointEnabled(context.Background(), port, enabled); err != nil {
		return out.Error("Failed to update endpoint profile", err)
	}

	action := "disabled"
	if enabled {
		action = "enabled"
	}
	return out.Success(fmt.Sprintf("Endpoint %d %s", port, action), map[string]interface{}{
		"port":    port,
		"enabled": enabled,
	})
}

func endpointsDispose(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	port, err := parsePortArg(args[0])
	if err != nil {
		return out.Error("Invalid arguments", err)
	}

	c, err := newClient()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	if err := c.DisposeEndpoint(port); err != nil {
		return out.Error("Failed to dispose endpoint", err)
	}

	return out.Success(fmt.Sprintf("Endpoint %d disposed", port), map[string]interface{}{
		"port": port,
	})
}

type endpointSpec struct {
	Port            int    `yaml:"port"`
	Backlog         int    `yaml:"backlog"`
	ReceiveBuffer   int    `yaml:"receive_buffer"`
	AcceptTimeoutMS int    `yaml:"accept_timeout_ms"`
	PolicyFile      string `yaml:"policy_file"`
	Enabled         *bool  `yaml:"enabled"`
}

type endpointsFile struct {
	Endpoints []endpointSpec `yaml:"endpoints"`
}

// loadEndpointsFile parses an endpoint profile YAML. Policy file paths are
// resolved relative to the YAML file so bundles stay relocatable.
func loadEndpointsFile(path string) ([]configstore.Endpoint, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var spec endpointsFile
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return nil, fmt.Errorf("parse endpoints file: %w", err)
	}
	if len(spec.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints defined in %s", path)
	}

	baseDir := filepath.Dir(path)
	result := make([]configstore.Endpoint, 0, len(spec.Endpoints))
	for _, entry := range spec.Endpoints {
		if entry.Port <= 0 || entry.Port > 65535 {
			return nil, fmt.Errorf("port %d out of range", entry.Port)
		}
		if entry.AcceptTimeoutMS < 0 {
			return nil, fmt.Errorf("endpoint %d: accept timeout must not be negative", entry.Port)
		}

		var policyScript string
		if strings.TrimSpace(entry.PolicyFile) != "" {
			policyPath := entry.PolicyFile
			if !filepath.IsAbs(policyPath) {
				policyPath = filepath.Join(baseDir, policyPath)
			}
			script, err := os.ReadFile(filepath.Clean(policyPath))
			if err != nil {
				return nil, fmt.Errorf("endpoint %d: read policy file: %w", entry.Port, err)
			}
			policyScript = string(script)
		}

		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}

		result = append(result, configstore.Endpoint{
			Port:            entry.Port,
			Backlog:         entry.Backlog,
			ReceiveBuffer:   entry.ReceiveBuffer,
			AcceptTimeoutMS: entry.AcceptTimeoutMS,
			PolicyScript:    policyScript,
			Enabled:         enabled,
		})
	}
	return result, nil
}

func endpointsApply(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	path, _ := cmd.Flags().GetString("file")
	endpoints, err := loadEndpointsFile(path)
	if err != nil {
		return out.Error("Failed to load endpoints file", err)
	}

	store, err := configstore.Open(configstore.Options{InstanceName: instanceName})
	if err != nil {
		return out.Error("Failed to open config store", err)
	}
	defer store.Close()

	ports := make([]int, 0, len(endpoints))
	for _, ep := range endpoints {
		if err := store.UpsertEndpoint(context.Background(), ep); err != nil {
			return out.Error(fmt.Sprintf("Failed to save endpoint %d", ep.Port), err)
		}
		ports = append(ports, ep.Port)
	}

	return out.Success(fmt.Sprintf("Applied %d endpoint profiles", len(ports)), map[string]interface{}{
		"count": len(ports),
		"ports": ports,
	})
}
