package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/portgate-io/portgate/internal/client"
	"github.com/spf13/cobra"
)

func newConnsCommand() *cobra.Command {
	connsCmd := &cobra.Command{
		Use:           "conns",
		Short:         "Inspect and close tracked connections",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	listCmd := &cobra.Command{
		Use:           "list <port>",
		Short:         "List active connections on an endpoint",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          connsList,
	}

	closeCmd := &cobra.Command{
		Use:           "close <id>",
		Short:         "Close a tracked connection",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          connsClose,
	}

	connsCmd.AddCommand(listCmd, closeCmd)
	return connsCmd
}

func printConnTable(conns []client.ConnSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPORT\tREMOTE\tACCEPTED\tBYTES-IN")
	for _, conn := range conns {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n",
			conn.ID,
			conn.Port,
			conn.RemoteAddr,
			conn.AcceptedAt.UTC().Format(time.RFC3339),
			conn.BytesIn,
		)
	}
	w.Flush()
}

func connsList(cmd *cobra.Command, args []string) error {
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

	conns, err := c.ListConns(port)
	if err != nil {
		return out.Error("Failed to list connections", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{
			"port":  port,
			"conns": conns,
			"count": len(conns),
		})
	}

	if len(conns) == 0 {
		fmt.Printf("No active connections on port %d.\n", port)
		return nil
	}

	printConnTable(conns)
	return nil
}

func connsClose(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	id := strings.TrimSpace(args[0])
	if id == "" {
		return out.Error("Invalid arguments", fmt.Errorf("connection id cannot be empty"))
	}

	c, err := newClient()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	if err := c.CloseConn(id); err != nil {
		return out.Error("Failed to close connection", err)
	}

	return out.Success("Connection closed", map[string]interface{}{
		"id": id,
	})
}
