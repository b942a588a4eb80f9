package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/portgate-io/portgate/internal/config"
	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/constants"
	"github.com/portgate-io/portgate/internal/eventbus"
	"github.com/portgate-io/portgate/internal/netsock"
	"github.com/portgate-io/portgate/internal/observability"
	"github.com/portgate-io/portgate/internal/procutil"
	daemonruntime "github.com/portgate-io/portgate/internal/runtime"
	"github.com/portgate-io/portgate/internal/server"
	"github.com/portgate-io/portgate/internal/supervisor"
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Store *configstore.Store
}

// Daemon represents the main daemon process.
type Daemon struct {
	store         *configstore.Store
	endpoints     *supervisor.Supervisor
	apiServer     *server.APIServer
	serviceHost   *daemonruntime.ServiceHost
	runtimeInfo   *RuntimeInfo
	lifecycle     *daemonruntime.Lifecycle
	instancePaths config.InstancePaths
	eventBus      *eventbus.Bus
	ctx           context.Context
	cancel        context.CancelFunc
	errMu         sync.Mutex
	runErr        error
	configMu      sync.Mutex
	configCancel  context.CancelFunc
	transportCfg  configstore.TransportConfig
}

const (
	// storeQueryTimeout bounds context deadlines for store lookups during
	// daemon operation (endpoint reconciliation, config reloads).
	storeQueryTimeout = 5 * time.Second

	// serviceOpTimeout bounds context deadlines for service lifecycle
	// operations (restart, graceful shutdown).
	serviceOpTimeout = 5 * time.Second
)

// New creates a new daemon instance bound to the provided configuration store.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}

	instanceName := opts.Store.InstanceName()
	paths := config.GetInstancePaths(instanceName)

	bus := eventbus.New()

	endpoints := supervisor.New(netsock.NewRegistry())
	endpoints.UseEventBus(bus)

	runtimeInfo := &RuntimeInfo{}
	runtimeInfo.SetInstance(instanceName)

	transportCfg, err := opts.Store.GetTransportConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("daemon: load transport config: %w", err)
	}

	apiServer := server.NewAPIServer(endpoints, opts.Store)
	apiServer.UseEventBus(bus)
	apiServer.SetRuntimeInfoProvider(runtimeInfo)

	eventCounter := observability.NewEventCounter()
	bus.AddObserver(eventCounter)
	metricsExporter := observability.NewPrometheusExporter(bus, eventCounter)
	metricsExporter.WithEndpointStats(endpoints)
	apiServer.SetMetricsExporter(metricsExporter)

	host := daemonruntime.NewServiceHost()

	// endpoints service (supervisor + stored profiles)
	if err := host.Register("endpoints", func(ctx context.Context) (daemonruntime.Service, error) {
		return newSupervisorService(endpoints, opts.Store), nil
	}); err != nil {
		return nil, err
	}

	// transport gateway service (admin HTTP + gRPC health)
	if err := host.Register("transport_gateway", func(ctx context.Context) (daemonruntime.Service, error) {
		return newGatewayService(apiServer, runtimeInfo, bus, endpoints), nil
	}); err != nil {
		return nil, err
	}

	// control socket service (Unix socket protocol)
	if err := host.Register("unix_socket", func(ctx context.Context) (daemonruntime.Service, error) {
		return newUnixSocketService(paths.Socket, endpoints, runtimeInfo), nil
	}); err != nil {
		return nil, err
	}

	runtimeInfo.SetHTTPPort(transportCfg.HTTPPort)
	runtimeInfo.SetGRPCPort(transportCfg.GRPCPort)

	d := &Daemon{
		store:         opts.Store,
		endpoints:     endpoints,
		apiServer:     apiServer,
		serviceHost:   host,
		runtimeInfo:   runtimeInfo,
		lifecycle:     daemonruntime.NewLifecycle(),
		instancePaths: paths,
		eventBus:      bus,
		transportCfg:  transportCfg,
	}

	apiServer.SetShutdownFunc(func(ctx context.Context) error {
		go func() {
			if err := d.Shutdown(); err != nil {
				log.Printf("[Daemon] shutdown via API returned error: %v", err)
			}
		}()
		return nil
	})

	return d, nil
}

// Start starts the daemon services and blocks until shutdown.
func (d *Daemon) Start() error {
	if err := daemonruntime.WritePIDFile(d.instancePaths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.instancePaths.Lock)

	d.runtimeInfo.SetStartTime(time.Now())
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.eventBus.StartMetricsReporter(d.ctx, 30*time.Second, nil)

	if err := d.serviceHost.Start(d.ctx); err != nil {
		if d.cancel != nil {
			d.cancel()
		}
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()
	if err := d.startConfigWatcher(); err != nil {
		log.Printf("[Daemon] config watcher error: %v", err)
	}

	<-d.lifecycle.Done()

	if d.cancel != nil {
		d.cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.serviceHost.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: service shutdown error: %v\n", err)
		d.setRunError(err)
	}
	cancel()

	if err := d.store.Close(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: store close error: %v\n", err)
	}

	return d.getRunError()
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Shutdown()
	d.configMu.Lock()
	cancelConfig := d.configCancel
	d.configCancel = nil
	d.configMu.Unlock()
	if cancelConfig != nil {
		cancelConfig()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.eventBus != nil {
		d.eventBus.Shutdown()
	}
	return nil
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.serviceHost.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			fmt.Fprintf(os.Stderr, "%v\n", err)
			d.lifecycle.Shutdown()
			if d.cancel != nil {
				d.cancel()
			}
		}
	}()
}

func (d *Daemon) startConfigWatcher() error {
	if d.store == nil || d.serviceHost == nil {
		return nil
	}

	cancel, err := d.serviceHost.WatchConfig(d.ctx, d.store, time.Second, d.handleConfigEvent)
	if err != nil {
		return err
	}
	d.configMu.Lock()
	d.configCancel = cancel
	d.configMu.Unlock()
	return nil
}

func (d *Daemon) handleConfigEvent(event configstore.ChangeEvent) {
	if !event.Changed() {
		return
	}

	if event.SettingsChanged {
		d.handleTransportSettings()
	}

	if event.EndpointsChanged {
		d.reconcileEndpoints()
	}
}

func (d *Daemon) handleTransportSettings() {
	d.configMu.Lock()
	defer d.configMu.Unlock()

	select {
	case <-d.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()

	cfg, err := d.store.GetTransportConfig(ctx)
	if err != nil {
		log.Printf("[Daemon] failed to load transport config: %v", err)
		return
	}

	if !transportConfigChanged(d.transportCfg, cfg) {
		d.transportCfg = cfg
		return
	}

	restartCtx, restartCancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	defer restartCancel()
	if err := d.serviceHost.Restart(restartCtx, "transport_gateway"); err != nil {
		log.Printf("[Daemon] restart transport_gateway failed: %v", err)
	} else {
		log.Printf("[Daemon] transport_gateway restarted after transport config change")
	}
	d.transportCfg = cfg
}

func (d *Daemon) reconcileEndpoints() {
	d.configMu.Lock()
	defer d.configMu.Unlock()

	select {
	case <-d.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()

	profiles, err := d.store.ListEndpoints(ctx)
	if err != nil {
		log.Printf("[Daemon] failed to load endpoint profiles: %v", err)
		return
	}

	reconcileCtx, reconcileCancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	defer reconcileCancel()
	if err := d.endpoints.Reconcile(reconcileCtx, profiles); err != nil {
		log.Printf("[Daemon] endpoint reconciliation: %v", err)
	}
}

func transportConfigChanged(prev, curr configstore.TransportConfig) bool {
	if prev.HTTPHost != curr.HTTPHost || prev.HTTPPort != curr.HTTPPort || prev.GRPCPort != curr.GRPCPort {
		return true
	}
	if prev.AuthToken != curr.AuthToken {
		return true
	}
	return !slices.Equal(prev.AllowedOrigins, curr.AllowedOrigins)
}

func (d *Daemon) setRunError(err error) {
	if err == nil {
		return
	}

	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// RuntimeInfo exposes runtime metadata to protocols.
func (d *Daemon) RuntimeInfo() *RuntimeInfo {
	return d.runtimeInfo
}

// Endpoints returns the endpoint supervisor.
func (d *Daemon) Endpoints() *supervisor.Supervisor {
	return d.endpoints
}

// APIServer returns the API server.
func (d *Daemon) APIServer() *server.APIServer {
	return d.apiServer
}

// ServiceHost returns the runtime service host.
func (d *Daemon) ServiceHost() *daemonruntime.ServiceHost {
	return d.serviceHost
}

// IsRunning checks if a daemon is already serving the given instance.
func IsRunning(instanceName string) bool {
	paths := config.GetInstancePaths(instanceName)

	if conn, err := net.DialTimeout("unix", paths.Socket, constants.DaemonUnixProbeTimeout); err == nil {
		conn.Close()
		return true
	}

	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return false
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		os.Remove(paths.Lock)
		return false
	}

	if !procutil.IsProcessAlive(pid) {
		os.Remove(paths.Lock)
		return false
	}

	return true
}
