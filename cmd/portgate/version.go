package main

import (
	"fmt"

	portgateversion "github.com/portgate-io/portgate/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		RunE:  runVersion,
	}
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := portgateversion.String()

	var daemonVersion string
	var daemonReachable bool
	var daemonErr error
	c, err := newClient()
	if err == nil {
		defer c.Close()
		status, statusErr := c.GetDaemonStatus()
		if statusErr == nil {
			daemonReachable = true
			daemonVersion, _ = status["version"].(string)
		} else {
			daemonErr = statusErr
		}
	} else {
		daemonErr = err
	}

	if out.jsonMode {
		data := map[string]any{
			"client": clientVersion,
		}
		if daemonReachable {
			if daemonVersion != "" {
				data["daemon"] = daemonVersion
			} else {
				data["daemon"] = "unknown"
			}
			if w := portgateversion.CheckVersionMismatch(daemonVersion); w != "" {
				data["mismatch"] = true
				data["warning"] = w
			}
		} else {
			data["daemon"] = nil
			if daemonErr != nil {
				data["daemon_error"] = daemonErr.Error()
			}
		}
		return out.Print(data)
	}

	fmt.Printf("Client: %s\n", portgateversion.FormatVersion(clientVersion))
	if daemonReachable {
		if daemonVersion != "" {
			fmt.Printf("Daemon: %s\n", portgateversion.FormatVersion(daemonVersion))
		} else {
			fmt.Println("Daemon: running (version unknown)")
		}
		if w := portgateversion.CheckVersionMismatch(daemonVersion); w != "" {
			fmt.Println(w)
		}
	} else {
		fmt.Printf("Daemon: unavailable (%v)\n", daemonErr)
	}

	return nil
}
