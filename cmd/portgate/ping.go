package main

import (
	"fmt"
	"time"

	"github.com/portgate-io/portgate/internal/constants"
	"github.com/portgate-io/portgate/internal/netsock"
	"github.com/spf13/cobra"
)

func newPingCommand() *cobra.Command {
	pingCmd := &cobra.Command{
		Use:           "ping <port>",
		Short:         "Probe a supervised endpoint with a TCP connect",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runPing,
	}
	pingCmd.Flags().String("host", "127.0.0.1", "Host to connect to")
	pingCmd.Flags().Int("count", 1, "Number of connect attempts")
	return pingCmd
}

type pingResult struct {
	Seq    int     `json:"seq"`
	OK     bool    `json:"ok"`
	TimeMS float64 `json:"time_ms"`
	Error  string  `json:"error,omitempty"`
}

func runPing(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	port, err := parsePortArg(args[0])
	if err != nil {
		return out.Error("Invalid arguments", err)
	}
	host, _ := cmd.Flags().GetString("host")
	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		count = 1
	}

	hints := &netsock.ConnHints{
		NoDelay:        true,
		ConnectTimeout: constants.PingDialTimeout,
	}

	results := make([]pingResult, 0, count)
	var lastErr error
	succeeded := 0

	for seq := 0; seq < count; seq++ {
		if seq > 0 {
			time.Sleep(constants.Duration1Second)
		}

		start := time.Now()
		conn, err := netsock.Dial(host, port, hints)
		elapsed := time.Since(start)

		if err != nil {
			lastErr = err
			results = append(results, pingResult{Seq: seq, OK: false, Error: err.Error()})
			if !out.jsonMode {
				fmt.Printf("seq=%d connect failed: %v\n", seq, err)
			}
			continue
		}
		conn.Close()
		succeeded++
		results = append(results, pingResult{
			Seq:    seq,
			OK:     true,
			TimeMS: float64(elapsed.Microseconds()) / 1000.0,
		})
		if !out.jsonMode {
			fmt.Printf("seq=%d connected to %s:%d time=%.3fms\n", seq, host, port, float64(elapsed.Microseconds())/1000.0)
		}
	}

	if out.jsonMode {
		if err := out.Print(map[string]interface{}{
			"host":      host,
			"port":      port,
			"count":     count,
			"succeeded": succeeded,
			"results":   results,
		}); err != nil {
			return err
		}
		if succeeded == 0 {
			return fmt.Errorf("all connect attempts failed: %w", lastErr)
		}
		return nil
	}

	if succeeded == 0 {
		return out.Error(fmt.Sprintf("All %d connect attempts to %s:%d failed", count, host, port), lastErr)
	}

	fmt.Printf("%d/%d connects succeeded\n", succeeded, count)
	return nil
}
