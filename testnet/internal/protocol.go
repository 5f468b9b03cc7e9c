package internal

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/xmppft/bytestream"
	"github.com/opd-ai/xmppft/file"
)

// Scenario is one end-to-end transfer between two peers.
type Scenario struct {
	Name        string
	Description string
	// Methods offered by the sender; empty means the defaults.
	Methods []file.Method
	// UseRelay lists the network's proxy as a streamhost candidate.
	UseRelay bool
	// LocalStreamhost offers the sender's own listener.
	LocalStreamhost bool

	WantMethod   file.Method
	WantFallBack bool
}

// Scenarios are the transfers the suite knows how to run.
var Scenarios = map[string]Scenario{
	"proxy": {
		Name:        "proxy",
		Description: "SOCKS5 bytestream mediated by the network's proxy",
		UseRelay:    true,
		WantMethod:  file.MethodBytestreams,
	},
	"direct": {
		Name:            "direct",
		Description:     "SOCKS5 bytestream to the sender's local streamhost",
		LocalStreamhost: true,
		WantMethod:      file.MethodBytestreams,
	},
	"inband": {
		Name:        "inband",
		Description: "in-band bytestream only",
		Methods:     []file.Method{file.MethodIBB},
		WantMethod:  file.MethodIBB,
	},
	"fallback": {
		Name:         "fallback",
		Description:  "bytestream without candidates falls back to in-band",
		WantMethod:   file.MethodIBB,
		WantFallBack: true,
	},
}

// ScenarioNames returns the known scenario names in order.
func ScenarioNames() []string {
	names := make([]string, 0, len(Scenarios))
	for name := range Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProtocolTestSuite runs scenarios on a fresh network each.
type ProtocolTestSuite struct {
	network *Network
	sender  *Peer
	recver  *Peer
	logger  *logrus.Entry
	config  *ProtocolConfig
}

// ProtocolConfig holds configuration for protocol testing.
type ProtocolConfig struct {
	// Transfer is the manager configuration of both peers.
	Transfer file.Config
	// Metrics, when set, is shared by every peer of every scenario.
	Metrics  *file.Metrics
	FileSize int64
	Timeout  time.Duration
	Logger   *logrus.Entry
}

// DefaultProtocolConfig returns a default configuration for protocol testing.
func DefaultProtocolConfig() *ProtocolConfig {
	return &ProtocolConfig{
		Transfer: file.DefaultConfig(),
		FileSize: 256 * 1024,
		Timeout:  30 * time.Second,
		Logger:   logrus.WithField("component", "protocol"),
	}
}

// NewProtocolTestSuite creates a new protocol test suite.
func NewProtocolTestSuite(config *ProtocolConfig) *ProtocolTestSuite {
	if config == nil {
		config = DefaultProtocolConfig()
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "protocol")
	}

	return &ProtocolTestSuite{
		config: config,
		logger: config.Logger,
	}
}

// RunScenario performs sc and verifies its outcome. The suite is cleaned up
// before it returns.
func (pts *ProtocolTestSuite) RunScenario(ctx context.Context, sc Scenario) (err error) {
	ctx, cancel := context.WithTimeout(ctx, pts.config.Timeout)
	defer cancel()
	defer func() { err = multierr.Append(err, pts.Cleanup()) }()

	pts.logger.WithFields(logrus.Fields{
		"scenario":    sc.Name,
		"description": sc.Description,
	}).Info("🚀 Starting scenario")

	if err := pts.initializeNetwork(ctx); err != nil {
		return fmt.Errorf("network initialization failed: %w", err)
	}
	if err := pts.setupPeers(sc); err != nil {
		return fmt.Errorf("peer setup failed: %w", err)
	}
	if err := pts.transfer(ctx, sc); err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}

	pts.logger.WithField("scenario", sc.Name).Info("🎉 Scenario passed")
	return nil
}

func (pts *ProtocolTestSuite) initializeNetwork(ctx context.Context) error {
	config := DefaultNetworkConfig()
	config.Logger = pts.logger

	network, err := NewNetwork(config)
	if err != nil {
		return err
	}
	if err := network.Start(ctx); err != nil {
		return err
	}
	pts.network = network
	return nil
}

func (pts *ProtocolTestSuite) setupPeers(sc Scenario) error {
	settings := bytestream.Settings{LocalStreamhost: sc.LocalStreamhost}
	if sc.UseRelay {
		settings.Proxies = []bytestream.Proxy{{JID: pts.network.RelayJID()}}
	}

	senderCfg := DefaultPeerConfig("alice")
	senderCfg.Logger = pts.logger
	senderCfg.LocalStreamhost = sc.LocalStreamhost
	senderCfg.Options = file.Options{
		Config:   pts.config.Transfer,
		Registry: bytestream.NewRegistry(settings),
		Metrics:  pts.config.Metrics,
	}
	sender, err := NewPeer(pts.network, senderCfg)
	if err != nil {
		return err
	}
	pts.sender = sender

	recverCfg := DefaultPeerConfig("bob")
	recverCfg.Logger = pts.logger
	recverCfg.Options = file.Options{
		Config:  pts.config.Transfer,
		Metrics: pts.config.Metrics,
	}
	recver, err := NewPeer(pts.network, recverCfg)
	if err != nil {
		return err
	}
	pts.recver = recver
	recver.AcceptAll("")
	return nil
}

func (pts *ProtocolTestSuite) transfer(ctx context.Context, sc Scenario) error {
	data := make([]byte, pts.config.FileSize)
	if _, err := rand.Read(data); err != nil {
		return fmt.Errorf("generate payload: %w", err)
	}

	out, err := pts.sender.SendFile(ctx, pts.recver.JID(), sc.Name+".bin", data, sc.Methods...)
	if err != nil {
		return err
	}

	var in *file.Transfer
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return waitTransfer(gctx, out) })
	g.Go(func() error {
		t, err := pts.recver.WaitIncoming(gctx)
		if err != nil {
			return err
		}
		in = t
		return waitTransfer(gctx, t)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if !bytes.Equal(in.Data(), data) {
		return fmt.Errorf("received %d bytes differing from the %d sent", len(in.Data()), len(data))
	}
	snap := out.Snapshot()
	if snap.Method != sc.WantMethod {
		return fmt.Errorf("transfer used %s, want %s", snap.Method, sc.WantMethod)
	}
	if snap.FellBack != sc.WantFallBack {
		return fmt.Errorf("fell back %v, want %v", snap.FellBack, sc.WantFallBack)
	}

	pts.logger.WithFields(logrus.Fields{
		"scenario":  sc.Name,
		"method":    snap.Method.String(),
		"fell_back": snap.FellBack,
		"bytes":     snap.Transferred,
		"duration":  snap.EndTime.Sub(snap.StartTime),
	}).Info("✅ File received intact")
	return nil
}

// waitTransfer waits for t to finish and returns its error.
func waitTransfer(ctx context.Context, t *file.Transfer) error {
	select {
	case <-t.Done():
		return t.Err()
	case <-ctx.Done():
		return fmt.Errorf("transfer %s still %s: %w", t.ID(), t.State(), ctx.Err())
	}
}

// Cleanup stops the peers and the network of the last scenario.
func (pts *ProtocolTestSuite) Cleanup() error {
	var err error
	for _, p := range []*Peer{pts.sender, pts.recver} {
		if p != nil {
			err = multierr.Append(err, p.Stop())
		}
	}
	if pts.network != nil {
		err = multierr.Append(err, pts.network.Stop())
	}
	pts.sender, pts.recver, pts.network = nil, nil, nil
	return err
}
