package portmap

import (
	"context"
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// DefaultLifetime is the lease requested from the gateway.
const DefaultLifetime = time.Hour

type natpmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// NATPMP maps the local streamhost port through a NAT-PMP gateway.
type NATPMP struct {
	Gateway  net.IP
	Lifetime time.Duration
	Timeout  time.Duration

	newClient func(gateway net.IP, timeout time.Duration) natpmpClient
}

// NewNATPMP creates a mapper for gateway.
func NewNATPMP(gateway net.IP, timeout time.Duration) *NATPMP {
	return &NATPMP{
		Gateway:  gateway,
		Lifetime: DefaultLifetime,
		Timeout:  timeout,
		newClient: func(gw net.IP, t time.Duration) natpmpClient {
			return natpmp.NewClientWithTimeout(gw, t)
		},
	}
}

// Name implements Mapper.
func (m *NATPMP) Name() string { return "nat-pmp" }

// ExternalAddress implements Mapper. The go-nat-pmp client retries
// internally, so the call runs on its own goroutine and ctx bounds the wait.
func (m *NATPMP) ExternalAddress(ctx context.Context, internalPort int) (string, int, error) {
	if m.Gateway == nil {
		return "", 0, fmt.Errorf("%w: nat-pmp gateway not configured", ErrNoMapping)
	}

	type result struct {
		host string
		port int
		err  error
	}
	done := make(chan result, 1)

	go func() {
		client := m.newClient(m.Gateway, m.Timeout)

		ext, err := client.GetExternalAddress()
		if err != nil {
			done <- result{err: fmt.Errorf("nat-pmp external address: %w", err)}
			return
		}

		lifetime := int(m.Lifetime.Seconds())
		if lifetime <= 0 {
			lifetime = int(DefaultLifetime.Seconds())
		}
		mapping, err := client.AddPortMapping("tcp", internalPort, internalPort, lifetime)
		if err != nil {
			done <- result{err: fmt.Errorf("nat-pmp add mapping: %w", err)}
			return
		}

		ip := ext.ExternalIPAddress
		done <- result{
			host: net.IPv4(ip[0], ip[1], ip[2], ip[3]).String(),
			port: int(mapping.MappedExternalPort),
		}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NATPMP.ExternalAddress",
				"gateway":  m.Gateway.String(),
				"error":    r.err.Error(),
			}).Warn("NAT-PMP mapping failed")
			return "", 0, fmt.Errorf("%w: %v", ErrNoMapping, r.err)
		}
		logrus.WithFields(logrus.Fields{
			"function":      "NATPMP.ExternalAddress",
			"gateway":       m.Gateway.String(),
			"internal_port": internalPort,
			"external":      net.JoinHostPort(r.host, fmt.Sprint(r.port)),
		}).Info("NAT-PMP mapping established")
		return r.host, r.port, nil
	case <-ctx.Done():
		return "", 0, fmt.Errorf("%w: %v", ErrNoMapping, ctx.Err())
	}
}
