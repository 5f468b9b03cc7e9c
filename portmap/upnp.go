package portmap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/sirupsen/logrus"
)

type igdClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16,
		internalClient string, enabled bool, description string, leaseDuration uint32) error
}

// gateway is a discovered WAN connection service and the host serving it.
type gateway struct {
	client igdClient
	host   string
}

// UPnP maps the local streamhost port through an Internet Gateway Device.
type UPnP struct {
	// InternalClient is the LAN address the gateway forwards to. When
	// empty it is derived from the route to the gateway.
	InternalClient string
	Description    string
	Lease          time.Duration

	discover func(ctx context.Context) ([]gateway, error)
}

// NewUPnP creates a mapper that discovers the gateway over SSDP.
func NewUPnP() *UPnP {
	return &UPnP{
		Description: "xmpp bytestream",
		Lease:       DefaultLifetime,
		discover:    discoverGateways,
	}
}

// Name implements Mapper.
func (u *UPnP) Name() string { return "upnp" }

// ExternalAddress implements Mapper. Gateways are tried in discovery order.
func (u *UPnP) ExternalAddress(ctx context.Context, internalPort int) (string, int, error) {
	gateways, err := u.discover(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrNoMapping, err)
	}
	if len(gateways) == 0 {
		return "", 0, fmt.Errorf("%w: no upnp gateway found", ErrNoMapping)
	}

	var lastErr error
	for _, gw := range gateways {
		if err := ctx.Err(); err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrNoMapping, err)
		}
		host, err := u.mapVia(gw, internalPort)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UPnP.ExternalAddress",
				"gateway":  gw.host,
				"error":    err.Error(),
			}).Debug("Gateway refused mapping, trying next")
			lastErr = err
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function":      "UPnP.ExternalAddress",
			"gateway":       gw.host,
			"internal_port": internalPort,
			"external_host": host,
		}).Info("UPnP mapping established")
		return host, internalPort, nil
	}
	return "", 0, fmt.Errorf("%w: %v", ErrNoMapping, lastErr)
}

func (u *UPnP) mapVia(gw gateway, internalPort int) (string, error) {
	internal := u.InternalClient
	if internal == "" {
		addr, err := localAddressFor(gw.host)
		if err != nil {
			return "", fmt.Errorf("resolve internal client: %w", err)
		}
		internal = addr
	}

	external, err := gw.client.GetExternalIPAddress()
	if err != nil {
		return "", fmt.Errorf("get external ip: %w", err)
	}
	if net.ParseIP(external) == nil {
		return "", fmt.Errorf("gateway returned invalid external ip %q", external)
	}

	port := uint16(internalPort)
	if err := gw.client.AddPortMapping("", port, "TCP", port, internal, true,
		u.Description, uint32(u.Lease.Seconds())); err != nil {
		return "", fmt.Errorf("add port mapping: %w", err)
	}
	return external, nil
}

// discoverGateways looks for IGDv2 first and falls back to IGDv1.
func discoverGateways(ctx context.Context) ([]gateway, error) {
	var out []gateway

	if clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil {
		for _, c := range clients {
			out = append(out, gateway{client: c, host: c.Location.Hostname()})
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("upnp discovery: %w", err)
	}
	for _, c := range clients {
		out = append(out, gateway{client: c, host: c.Location.Hostname()})
	}
	return out, nil
}
