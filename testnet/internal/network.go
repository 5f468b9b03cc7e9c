package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/relay"
	"github.com/opd-ai/xmppft/stanzasim"
)

// Network is an in-memory XMPP server with a bytestream proxy attached.
type Network struct {
	hub     *stanzasim.Hub
	relayEP *stanzasim.Endpoint
	relay   *relay.Server
	config  *NetworkConfig
	running bool
	mu      sync.RWMutex
	logger  *logrus.Entry
	metrics *NetworkMetrics
}

// NetworkMetrics tracks the simulated server:
//   - StartTime: when the network began routing
//   - PeersConnected: endpoints attached since start
//
// Stanza counts come from the hub's delivery log.
type NetworkMetrics struct {
	StartTime      time.Time
	PeersConnected int64
	mu             sync.RWMutex
}

// NetworkConfig holds configuration for the network.
type NetworkConfig struct {
	// RelayJID is the address of the bytestream proxy.
	RelayJID string
	// RelayAddr is the TCP address the proxy listens on.
	RelayAddr string
	Logger    *logrus.Entry
}

// DefaultNetworkConfig returns a default configuration for the network.
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		RelayJID:  "proxy.testnet.local",
		RelayAddr: "127.0.0.1:0",
		Logger:    logrus.WithField("component", "network"),
	}
}

// NewNetwork creates a network. Start must be called before peers connect.
func NewNetwork(config *NetworkConfig) (*Network, error) {
	if config == nil {
		config = DefaultNetworkConfig()
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "network")
	}
	if _, err := jid.Parse(config.RelayJID); err != nil {
		return nil, fmt.Errorf("relay address: %w", err)
	}

	return &Network{
		hub:     stanzasim.NewHub(),
		config:  config,
		logger:  config.Logger,
		metrics: &NetworkMetrics{},
	}, nil
}

// Start attaches the proxy and begins routing.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("network already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n.relayEP = n.hub.Connect(jid.MustParse(n.config.RelayJID))
	srv, err := relay.NewServer(n.relayEP, relay.Config{ListenAddr: n.config.RelayAddr})
	if err != nil {
		n.relayEP.Close()
		return fmt.Errorf("start bytestream proxy: %w", err)
	}
	n.relay = srv
	n.running = true

	n.metrics.mu.Lock()
	n.metrics.StartTime = time.Now()
	n.metrics.mu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"relay_jid":  n.config.RelayJID,
		"relay_addr": srv.Addr().String(),
	}).Info("✅ Network started")
	return nil
}

// Stop shuts the proxy down.
func (n *Network) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	n.running = false

	err := n.relay.Close()
	n.relayEP.Close()

	n.metrics.mu.RLock()
	uptime := time.Since(n.metrics.StartTime)
	n.metrics.mu.RUnlock()
	n.logger.WithField("uptime", uptime).Info("✅ Network stopped")
	return err
}

// Connect attaches a new endpoint at address.
func (n *Network) Connect(address jid.JID) (*stanzasim.Endpoint, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.running {
		return nil, fmt.Errorf("network not running")
	}

	n.metrics.mu.Lock()
	n.metrics.PeersConnected++
	n.metrics.mu.Unlock()
	return n.hub.Connect(address), nil
}

// IsRunning returns whether the network is routing.
func (n *Network) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// RelayJID returns the address of the bytestream proxy.
func (n *Network) RelayJID() jid.JID {
	return jid.MustParse(n.config.RelayJID)
}

// Hub exposes the router for delivery assertions.
func (n *Network) Hub() *stanzasim.Hub {
	return n.hub
}

// GetStatus returns the network's status information.
func (n *Network) GetStatus() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()

	n.metrics.mu.RLock()
	defer n.metrics.mu.RUnlock()

	status := map[string]interface{}{
		"running":         n.running,
		"relay_jid":       n.config.RelayJID,
		"peers_connected": n.metrics.PeersConnected,
		"stanzas":         len(n.hub.DeliveryLog()),
	}
	if n.running {
		status["relay_addr"] = n.relay.Addr().String()
		status["uptime"] = time.Since(n.metrics.StartTime)
	}
	return status
}
