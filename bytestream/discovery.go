package bytestream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/xmppft/internal/clockctx"
	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/socks5"
	"github.com/opd-ai/xmppft/stanza"
)

// DefaultDiscoveryTimeout bounds each proxy address query and the port
// mapping lookup.
const DefaultDiscoveryTimeout = 5 * time.Second

// BuildOptions are the inputs to BuildCandidates.
type BuildOptions struct {
	Initiator        jid.JID
	Stream           stanza.Stream
	Settings         *Settings
	Listener         *socks5.Listener
	Clock            clock.Clock
	DiscoveryTimeout time.Duration
}

// BuildCandidates assembles the streamhosts offered for one session. Local
// listener addresses come first, then the port-mapped address, then proxies
// in configuration order. Proxies whose address cannot be discovered in
// time are left out, as is a failing port mapping.
func BuildCandidates(ctx context.Context, opts BuildOptions) CandidateSet {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	settings := opts.Settings
	if settings == nil {
		settings = &Settings{}
	}

	var candidates []Candidate

	if opts.Listener != nil && settings.LocalStreamhost {
		addr := opts.Listener.Addr()
		for _, host := range localHosts(settings, addr) {
			candidates = append(candidates, Candidate{JID: opts.Initiator, Host: host, Port: addr.Port, Kind: KindLocal})
		}

		if settings.Mapper != nil {
			mctx, cancel := clockctx.WithTimeout(ctx, opts.Clock, opts.DiscoveryTimeout)
			host, port, err := settings.Mapper.ExternalAddress(mctx, addr.Port)
			cancel()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "BuildCandidates",
					"mapper":   settings.Mapper.Name(),
					"error":    err.Error(),
				}).Warn("Port-mapped candidate unavailable")
			} else {
				candidates = append(candidates, Candidate{JID: opts.Initiator, Host: host, Port: port, Kind: KindMapped})
			}
		}
	}

	candidates = append(candidates, discoverProxies(ctx, opts, settings.Proxies)...)

	set := NewCandidateSet(candidates...)
	logrus.WithFields(logrus.Fields{
		"function":   "BuildCandidates",
		"initiator":  opts.Initiator.String(),
		"candidates": set.Len(),
	}).Debug("Streamhost candidates assembled")
	return set
}

// discoverProxies resolves all proxies concurrently and returns the
// reachable ones in configuration order.
func discoverProxies(ctx context.Context, opts BuildOptions, proxies []Proxy) []Candidate {
	found := make([]*Candidate, len(proxies))

	var g errgroup.Group
	for i, p := range proxies {
		if p.Host != "" {
			found[i] = &Candidate{JID: p.JID, Host: p.Host, Port: p.Port, Kind: KindProxy}
			continue
		}
		g.Go(func() error {
			qctx, cancel := clockctx.WithTimeout(ctx, opts.Clock, opts.DiscoveryTimeout)
			defer cancel()

			c, err := DiscoverProxy(qctx, opts.Stream, p.JID)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "discoverProxies",
					"proxy":    p.JID.String(),
					"error":    err.Error(),
				}).Warn("Proxy streamhost discovery failed, skipping proxy")
				return nil
			}
			found[i] = &c
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Candidate, 0, len(proxies))
	for _, c := range found {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// DiscoverProxy asks a bytestream proxy for the address it accepts SOCKS5
// connections on.
func DiscoverProxy(ctx context.Context, s stanza.Stream, proxy jid.JID) (Candidate, error) {
	reply, err := stanza.Request(ctx, s, &stanza.IQ{
		Type:       stanza.TypeGet,
		To:         proxy,
		Bytestream: &stanza.BytestreamQuery{},
	})
	if err != nil {
		return Candidate{}, fmt.Errorf("query proxy %s: %w", proxy, err)
	}
	if reply.Bytestream == nil || len(reply.Bytestream.StreamHosts) == 0 {
		return Candidate{}, fmt.Errorf("proxy %s returned no streamhost", proxy)
	}

	hosts := reply.Bytestream.StreamHosts
	chosen := hosts[0]
	for _, h := range hosts {
		if proxy.Matches(h.JID) {
			chosen = h
			break
		}
	}
	if chosen.Host == "" || chosen.Port <= 0 {
		return Candidate{}, fmt.Errorf("proxy %s returned incomplete streamhost", proxy)
	}
	return Candidate{JID: chosen.JID, Host: chosen.Host, Port: chosen.Port, Kind: KindProxy}, nil
}

func localHosts(settings *Settings, addr *net.TCPAddr) []string {
	if len(settings.AdvertiseHosts) > 0 {
		return settings.AdvertiseHosts
	}
	if !addr.IP.IsUnspecified() {
		return []string{addr.IP.String()}
	}

	var hosts []string
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				hosts = append(hosts, ip4.String())
			}
		}
	}
	if len(hosts) == 0 {
		hosts = []string{"127.0.0.1"}
	}
	return hosts
}
