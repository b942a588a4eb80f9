package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/portgate-io/portgate/internal/client"
	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:           "events",
		Short:         "Stream daemon events",
		Long:          "Stream endpoint and connection events from the daemon over websocket.\nWith --json each event is printed as one JSON object per line.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runEvents,
	}
	eventsCmd.Flags().String("types", "", "Comma-separated event types to show (default all)")
	return eventsCmd
}

func parseEventTypes(raw string) map[string]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}

func printEvent(ev client.Event) {
	line := fmt.Sprintf("%s  %s", ev.Timestamp.UTC().Format(time.RFC3339), ev.Type)
	if ev.Source != "" {
		line += "  " + ev.Source
	}
	if len(ev.Data) > 0 {
		line += "  " + string(ev.Data)
	}
	fmt.Println(line)
}

func printEventJSON(ev client.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func runEvents(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	typesFlag, _ := cmd.Flags().GetString("types")
	wanted := parseEventTypes(typesFlag)

	c, err := newClient()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	stream, err := c.Events()
	if err != nil {
		return out.Error("Failed to open event stream", err)
	}
	defer stream.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	// Closing the stream from the signal handler unblocks Next with a
	// read error; the flag tells that apart from a real failure.
	var interrupted atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigs:
			interrupted.Store(true)
			stream.Close()
		case <-done:
		}
	}()

	if !out.jsonMode {
		fmt.Println("Streaming events (press Ctrl+C to stop)")
	}

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || interrupted.Load() {
				return nil
			}
			return out.Error("Event stream ended with error", err)
		}

		if wanted != nil && !wanted[ev.Type] {
			continue
		}

		if out.jsonMode {
			printEventJSON(ev)
			continue
		}
		printEvent(ev)
	}
}
