package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/portgate-io/portgate/internal/client"
	"github.com/portgate-io/portgate/internal/config"
	portgateversion "github.com/portgate-io/portgate/internal/version"
	"github.com/spf13/cobra"
)

// Global variables for use across commands
var (
	rootCmd      *cobra.Command
	instanceName string
)

// OutputFormatter handles output in JSON or human-readable format
type OutputFormatter struct {
	jsonMode bool
}

// newOutputFormatter creates a new formatter based on the command's --json flag
func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data in the appropriate format
func (f *OutputFormatter) Print(data interface{}) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
	} else {
		// For non-JSON mode, data should implement a custom string method
		// or we call a custom formatter function
		switch v := data.(type) {
		case string:
			fmt.Println(v)
		default:
			// Fallback to JSON for unknown types
			jsonBytes, _ := json.MarshalIndent(data, "", "  ")
			fmt.Println(string(jsonBytes))
		}
	}
	return nil
}

// Success outputs a success message
func (f *OutputFormatter) Success(message string, data map[string]interface{}) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

// Error outputs an error message
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(os.Stderr, string(jsonBytes))
	} else {
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
		} else {
			fmt.Fprintln(os.Stderr, message)
		}
	}
	return fmt.Errorf("%s: %w", message, err)
}

// newClient connects to the daemon selected by the --instance flag.
func newClient() (*client.Client, error) {
	return client.New(instanceName)
}

func init() {
	// Initialize root command
	rootCmd = &cobra.Command{
		Use:   "portgate",
		Short: "Portgate - TCP endpoint supervision and control",
		Long: `Portgate supervises TCP server endpoints: it keeps listeners open,
applies accept policies, tracks connections and exposes everything
through an admin API. This CLI talks to the portgated daemon.`,
	}
	rootCmd.Version = portgateversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	// Add global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&instanceName, "instance", config.DefaultInstance, "daemon instance to talk to")
}

func main() {
	rootCmd.AddCommand(
		newDaemonCommand(),
		newEndpointsCommand(),
		newConnsCommand(),
		newPingCommand(),
		newHealthCommand(),
		newEventsCommand(),
		newLoginCommand(),
		newVersionCommand(),
	)

	// Execute
	if err := rootCmd.Execute(); err != nil {
		// Error is already printed by command handlers
		os.Exit(1)
	}
}
