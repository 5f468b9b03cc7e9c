// Package portmap resolves the externally reachable address of the local
// streamhost so it can be offered as an additional candidate behind NAT.
package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoMapping is returned when no external address could be established.
var ErrNoMapping = errors.New("no external port mapping")

// Mapper yields the external host and port at which internalPort on this
// machine is reachable.
type Mapper interface {
	ExternalAddress(ctx context.Context, internalPort int) (host string, port int, err error)
	Name() string
}

// Static is a Mapper with a fixed, operator-configured address. A zero Port
// reuses the internal port.
type Static struct {
	Host string
	Port int
}

// Name implements Mapper.
func (s Static) Name() string { return "static" }

// ExternalAddress implements Mapper.
func (s Static) ExternalAddress(_ context.Context, internalPort int) (string, int, error) {
	if s.Host == "" {
		return "", 0, fmt.Errorf("%w: static host not configured", ErrNoMapping)
	}
	port := s.Port
	if port == 0 {
		port = internalPort
	}
	return s.Host, port, nil
}

// localAddressFor returns the local interface address used to reach host.
func localAddressFor(host string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(9)))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
