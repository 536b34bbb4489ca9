package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"netguard/internal/boundary"
	"netguard/internal/core"
	"netguard/internal/firewall"
	"netguard/internal/ipc"
	"netguard/internal/netmodel"
)

var (
	ctlAddress string
	ctlTimeout time.Duration
)

func newCtlCmd() *cobra.Command {
	ctl := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running service over its IPC endpoint",
	}
	ctl.PersistentFlags().StringVar(&ctlAddress, "address", "", "pipe or socket address (default "+ipc.DefaultAddress+")")
	ctl.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 10*time.Second, "per-call timeout")

	ctl.AddCommand(newRoutesCmd(), newDNSCmd(), newConnectivityCmd(), &cobra.Command{
		Use:   "status",
		Short: "Print service status as JSON",
		RunE: withClient(func(ctx context.Context, c *ipc.ControlClient, _ []string) error {
			st, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, st.AsMap())
		}),
	})
	return ctl
}

// withClient dials the service for one command.
func withClient(fn func(ctx context.Context, c *ipc.ControlClient, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := ipc.Dial(ctlAddress)
		if err != nil {
			return err
		}
		defer client.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
		defer cancel()
		return fn(ctx, client.Control, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseRouteFlag parses NETWORK[,dev=ALIAS|,gw=ADDRESS].
func parseRouteFlag(s string) (netmodel.Route, error) {
	parts := strings.Split(s, ",")
	n, err := netmodel.ParseNetwork(strings.TrimSpace(parts[0]))
	if err != nil {
		return netmodel.Route{}, err
	}
	r := netmodel.Route{Network: n}
	for _, p := range parts[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || r.Node != nil {
			return r, fmt.Errorf("%q: expected one dev=ALIAS or gw=ADDRESS", s)
		}
		switch key {
		case "dev":
			node := netmodel.ByDevice(val)
			r.Node = &node
		case "gw":
			addr, err := netmodel.ParseAddr(val)
			if err != nil {
				return r, fmt.Errorf("%q: %w", s, err)
			}
			node := netmodel.ByGateway(addr)
			r.Node = &node
		default:
			return r, fmt.Errorf("%q: unknown key %q", s, key)
		}
	}
	return r, r.Validate()
}

func newRoutesCmd() *cobra.Command {
	routes := &cobra.Command{Use: "routes", Short: "Manage the route set"}

	var specs []string
	up := &cobra.Command{
		Use:   "up",
		Short: "Activate the route manager with a route set",
		Example: `  netguard ctl routes up --route 10.0.0.0/8,dev=wg0 --route 203.0.113.7/32,gw=192.168.1.1
  netguard ctl routes up --route 0.0.0.0/1,dev=wg0 --route 128.0.0.0/1,dev=wg0`,
		RunE: withClient(func(ctx context.Context, c *ipc.ControlClient, _ []string) error {
			if len(specs) == 0 {
				return errors.New("at least one --route is required")
			}
			set := make([]netmodel.Route, 0, len(specs))
			for _, s := range specs {
				r, err := parseRouteFlag(s)
				if err != nil {
					return err
				}
				set = append(set, r)
			}
			req, err := ipc.RoutesToStruct(set)
			if err != nil {
				return err
			}
			if _, err := c.ActivateRoutes(ctx, req); err != nil {
				return err
			}
			fmt.Printf("%d routes active\n", len(set))
			return nil
		}),
	}
	up.Flags().StringArrayVarP(&specs, "route", "r", nil, "NETWORK[,dev=ALIAS|,gw=ADDRESS], repeatable")

	down := &cobra.Command{
		Use:   "down",
		Short: "Deactivate the route manager and remove its routes",
		RunE: withClient(func(ctx context.Context, c *ipc.ControlClient, _ []string) error {
			_, err := c.DeactivateRoutes(ctx)
			return err
		}),
	}

	routes.AddCommand(up, down)
	return routes
}

func newDNSCmd() *cobra.Command {
	dns := &cobra.Command{Use: "dns", Short: "Manage the DNS restriction policy"}

	var (
		tunnel    string
		v4, v6    string
		relayPort uint16
	)
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Restrict DNS to the tunnel resolver",
		RunE: withClient(func(ctx context.Context, c *ipc.ControlClient, _ []string) error {
			rule := firewall.RestrictDNS{TunnelAlias: tunnel, RelayPort: relayPort}
			addr, err := netmodel.ParseAddr(v4)
			if err != nil {
				return fmt.Errorf("--dns4: %w", err)
			}
			rule.V4DNS = addr
			if v6 != "" {
				addr, err := netmodel.ParseAddr(v6)
				if err != nil {
					return fmt.Errorf("--dns6: %w", err)
				}
				rule.V6DNS = &addr
			}
			if err := rule.Validate(); err != nil {
				return err
			}
			req, err := ipc.RestrictDNSToStruct(rule)
			if err != nil {
				return err
			}
			_, err = c.ApplyRestrictDns(ctx, req)
			return err
		}),
	}
	apply.Flags().StringVar(&tunnel, "tunnel", "", "tunnel interface alias")
	apply.Flags().StringVar(&v4, "dns4", "", "IPv4 tunnel DNS server")
	apply.Flags().StringVar(&v6, "dns6", "", "IPv6 tunnel DNS server (optional)")
	apply.Flags().Uint16Var(&relayPort, "relay-port", core.DefaultRelayPort, "loopback DNS relay port")
	_ = apply.MarkFlagRequired("tunnel")
	_ = apply.MarkFlagRequired("dns4")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Remove the DNS restriction policy",
		RunE: withClient(func(ctx context.Context, c *ipc.ControlClient, _ []string) error {
			_, err := c.ResetFirewall(ctx)
			return err
		}),
	}

	dns.AddCommand(apply, reset)
	return dns
}

func newConnectivityCmd() *cobra.Command {
	conn := &cobra.Command{Use: "connectivity", Short: "Query or watch host connectivity"}

	check := &cobra.Command{
		Use:   "check",
		Short: "Query connectivity through the service",
		RunE: withClient(func(ctx context.Context, c *ipc.ControlClient, _ []string) error {
			v, err := c.CheckConnectivity(ctx)
			if err != nil {
				return err
			}
			fmt.Println(boundary.ConnectivityStatus(v.GetValue()))
			return nil
		}),
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Start the monitor if needed and print every transition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := ipc.Dial(ctlAddress)
			if err != nil {
				return err
			}
			defer client.Close()
			c := client.Control

			actx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
			_, err = c.ActivateConnectivityMonitor(actx)
			cancel()
			if err != nil && status.Code(err) != codes.FailedPrecondition {
				return err
			}

			w, err := c.WatchConnectivity(cmd.Context())
			if err != nil {
				return err
			}
			for {
				connected, err := w.Recv()
				if err != nil {
					if status.Code(err) == codes.Canceled || errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				fmt.Printf("%s connected=%t\n", time.Now().Format(time.RFC3339), connected)
			}
		},
	}

	conn.AddCommand(check, watch)
	return conn
}
