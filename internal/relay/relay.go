// Package relay runs the loopback DNS forwarder that stays reachable while
// DNS is restricted to the tunnel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"netguard/internal/core"
	"netguard/internal/metrics"
)

const defaultTimeout = 3 * time.Second

// Config describes one relay instance.
type Config struct {
	// Listen is the loopback endpoint. Port 0 picks a free port.
	Listen netip.AddrPort
	// Upstreams are tried in order until one answers.
	Upstreams []netip.AddrPort
	Timeout   time.Duration
	Metrics   *metrics.Metrics
}

// Relay forwards DNS queries received on a loopback endpoint.
type Relay struct {
	cfg    Config
	udp    *dns.Server
	tcp    *dns.Server
	addr   netip.AddrPort
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Start binds the UDP and TCP listeners and begins serving.
func Start(cfg Config) (*Relay, error) {
	if len(cfg.Upstreams) == 0 {
		return nil, core.Configurationf("relay needs at least one upstream")
	}
	if !cfg.Listen.Addr().IsLoopback() {
		return nil, core.Configurationf("relay must listen on loopback, got %s", cfg.Listen)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	pc, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(cfg.Listen))
	if err != nil {
		return nil, fmt.Errorf("[Relay] listen udp %s: %w", cfg.Listen, err)
	}
	bound := pc.LocalAddr().(*net.UDPAddr).AddrPort()
	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(netip.AddrPortFrom(cfg.Listen.Addr(), bound.Port())))
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("[Relay] listen tcp %s: %w", bound, err)
	}

	r := &Relay{cfg: cfg, addr: netip.AddrPortFrom(cfg.Listen.Addr(), bound.Port())}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.udp = &dns.Server{PacketConn: pc, Net: "udp", Handler: dns.HandlerFunc(r.serve)}
	r.tcp = &dns.Server{Listener: ln, Net: "tcp", Handler: dns.HandlerFunc(r.serve)}

	var started sync.WaitGroup
	for _, srv := range []*dns.Server{r.udp, r.tcp} {
		started.Add(1)
		srv.NotifyStartedFunc = started.Done
		r.wg.Add(1)
		go func(srv *dns.Server) {
			defer r.wg.Done()
			if err := srv.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
				core.Log.Errorf("Relay", "%s server: %v", srv.Net, err)
			}
		}(srv)
	}
	started.Wait()

	core.Log.Infof("Relay", "Listening on %s, upstreams %v", r.addr, cfg.Upstreams)
	return r, nil
}

// Addr returns the bound endpoint.
func (r *Relay) Addr() netip.AddrPort { return r.addr }

func (r *Relay) serve(w dns.ResponseWriter, req *dns.Msg) {
	start := time.Now()
	network := "udp"
	if _, ok := w.RemoteAddr().(*net.TCPAddr); ok {
		network = "tcp"
	}

	resp, err := r.forward(req, network)
	result := "ok"
	if err != nil {
		result = "error"
		core.Log.Debugf("Relay", "[%04x] %v", req.Id, err)
		resp = new(dns.Msg)
		resp.SetRcode(req, dns.RcodeServerFailure)
	}
	r.cfg.Metrics.RelayQuery(result, time.Since(start).Seconds())

	if err := w.WriteMsg(resp); err != nil {
		core.Log.Debugf("Relay", "[%04x] write reply: %v", req.Id, err)
	}
}

// forward tries each upstream in turn. A truncated UDP answer is retried
// over TCP against the same upstream.
func (r *Relay) forward(req *dns.Msg, network string) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()

	var errs []error
	for _, up := range r.cfg.Upstreams {
		client := &dns.Client{Net: network, Timeout: r.cfg.Timeout}
		resp, _, err := client.ExchangeContext(ctx, req, up.String())
		if err == nil && resp.Truncated && network == "udp" {
			client.Net = "tcp"
			resp, _, err = client.ExchangeContext(ctx, req, up.String())
		}
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", up, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// Close stops both listeners and waits for the servers to exit.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.closeErr = errors.Join(r.udp.Shutdown(), r.tcp.Shutdown())
		r.wg.Wait()
		core.Log.Infof("Relay", "Stopped %s", r.addr)
	})
	return r.closeErr
}
