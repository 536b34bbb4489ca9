package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"netguard/internal/boundary"
	"netguard/internal/core"
	"netguard/internal/firewall"
	"netguard/internal/ipc"
	"netguard/internal/metrics"
	"netguard/internal/netmon"
	"netguard/internal/platform"
	"netguard/internal/relay"
	"netguard/internal/routing"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the service in the foreground (or under the SCM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveRelativeToExe(configFile)
			if isService() {
				return runService(func(ctx context.Context) error {
					return serve(ctx, path, newPlatform())
				})
			}
			return serve(cmd.Context(), path, newPlatform())
		},
	}
}

// relayStarter adapts relay.Start to the boundary. Upstreams are queried on
// the standard DNS port.
func relayStarter(cfg core.RelayConfig, m *metrics.Metrics) func(uint16, []netip.Addr) (boundary.Relay, error) {
	return func(port uint16, upstreams []netip.Addr) (boundary.Relay, error) {
		ups := make([]netip.AddrPort, 0, len(upstreams))
		for _, a := range upstreams {
			ups = append(ups, netip.AddrPortFrom(a, firewall.DNSPort))
		}
		r, err := relay.Start(relay.Config{
			Listen:    netip.AddrPortFrom(firewall.RelayAddr, port),
			Upstreams: ups,
			Timeout:   cfg.TimeoutDuration(),
			Metrics:   m,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// serve runs the control boundary until ctx is cancelled, the IPC idle
// timeout fires or the listener fails.
func serve(ctx context.Context, cfgPath string, plat *platform.Platform) error {
	log := core.Log
	bus := core.NewEventBus()
	cm := core.NewConfigManager(cfgPath, bus)
	if err := cm.Load(); err != nil {
		return err
	}
	cfg := cm.Get()
	log.Infof("Core", "netguard %s starting on %s", version, plat.Name)

	if err := plat.PreStartup(); err != nil {
		log.Warnf("Core", "Pre-startup cleanup: %v", err)
	}

	m := metrics.New()
	deps := boundary.Deps{
		NewRouteTable: plat.NewRouteTable,
		Connectivity:  plat.Connectivity,
		NewFirewall: func() (firewall.Engine, error) {
			return plat.NewFirewall(cfg.Firewall)
		},
		Routing: routing.Options{SupersededMetric: cfg.Routing.SupersededMetric, Metrics: m},
		Monitor: netmon.Options{Debounce: cfg.Monitor.DebounceDuration()},
		Metrics: m,
		Bus:     bus,
	}
	if cfg.Relay.Enabled {
		deps.StartRelay = relayStarter(cfg.Relay, m)
	}
	b := boundary.New(deps)
	defer b.Shutdown()

	flush := func(core.Event) {
		if err := plat.FlushSystemDNS(); err != nil {
			log.Warnf("Core", "Flush DNS cache: %v", err)
		}
	}
	defer bus.Subscribe(core.EventPolicyApplied, flush)()
	defer bus.Subscribe(core.EventPolicyReset, flush)()

	if cfg.Metrics.Listen != "" {
		ms := metrics.NewServer(cfg.Metrics.Listen, m, b.Status)
		if err := ms.Start(); err != nil {
			return fmt.Errorf("[Core] metrics server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var opts []grpc.ServerOption
	if idle := cfg.IPC.IdleTimeoutDuration(); idle > 0 {
		tracker := ipc.NewConnTracker(idle, func() {
			log.Infof("IPC", "No client calls for %s, stopping", idle)
			cancel()
		})
		opts = append(opts,
			grpc.ChainUnaryInterceptor(tracker.UnaryInterceptor()),
			grpc.ChainStreamInterceptor(tracker.StreamInterceptor()),
		)
		tracker.Arm()
	}

	srv := ipc.NewServer(ipc.NewService(b, cfg.Relay.Port), opts...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.IPC.Address)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			log.Infof("Core", "Shutting down")
			srv.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		case <-hup:
			// Only logging is re-read; the other sections apply on restart.
			if err := cm.Load(); err != nil {
				log.Errorf("Core", "Reload config: %v", err)
			} else {
				log.Infof("Core", "Config reloaded")
			}
		}
	}
}
