package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/portgate-io/portgate/internal/bootstrap"
	"github.com/portgate-io/portgate/internal/constants"
	"github.com/portgate-io/portgate/internal/grpcclient"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newHealthCommand() *cobra.Command {
	healthCmd := &cobra.Command{
		Use:           "health",
		Short:         "Check daemon health over gRPC",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runHealth,
	}
	healthCmd.Flags().Int("port", 0, "Also check the health of one supervised endpoint")
	healthCmd.Flags().String("addr", "", "Explicit gRPC address (host:port) instead of instance lookup")
	return healthCmd
}

// healthToken resolves a bearer token for the gRPC gateway without opening
// the config store. Environment wins over the bootstrap file.
func healthToken() string {
	if token := strings.TrimSpace(os.Getenv("PORTGATE_API_TOKEN")); token != "" {
		return token
	}
	if boot, err := bootstrap.Load(); err == nil && boot != nil {
		return strings.TrimSpace(boot.APIToken)
	}
	return ""
}

func runHealth(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	port, _ := cmd.Flags().GetInt("port")
	addr, _ := cmd.Flags().GetString("addr")

	var (
		gc  *grpcclient.Client
		err error
	)
	if strings.TrimSpace(addr) != "" {
		gc, err = grpcclient.NewHealthClient(strings.TrimSpace(addr))
	} else {
		gc, err = grpcclient.New(instanceName)
	}
	if err != nil {
		return out.Error("Failed to connect to daemon via gRPC", err)
	}
	defer gc.Close()

	if token := healthToken(); token != "" {
		gc.SetToken(token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.GRPCClientHealthTimeout)
	defer cancel()

	daemonStatus, err := gc.Check(ctx, "")
	if err != nil {
		return out.Error("Health check failed", err)
	}

	result := map[string]interface{}{
		"status": daemonStatus.String(),
	}

	var endpointStatus healthpb.HealthCheckResponse_ServingStatus
	if port > 0 {
		endpointStatus, err = gc.CheckEndpoint(ctx, port)
		if err != nil {
			return out.Error(fmt.Sprintf("Endpoint %d health check failed", port), err)
		}
		result["endpoint_port"] = port
		result["endpoint_status"] = endpointStatus.String()
	}

	if out.jsonMode {
		if err := out.Print(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("Daemon: %s\n", daemonStatus)
		if port > 0 {
			fmt.Printf("Endpoint %d: %s\n", port, endpointStatus)
		}
	}

	if daemonStatus != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("daemon not serving: %s", daemonStatus)
	}
	if port > 0 && endpointStatus != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("endpoint %d not serving: %s", port, endpointStatus)
	}
	return nil
}
