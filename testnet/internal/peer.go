package internal

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/xmppft/disco"
	"github.com/opd-ai/xmppft/file"
	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/socks5"
	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/stanzasim"
)

// Peer is one file transfer endpoint attached to a Network.
type Peer struct {
	name      string
	endpoint  *stanzasim.Endpoint
	responder *disco.Responder
	manager   *file.Manager
	listener  *socks5.Listener
	logger    *logrus.Entry
	metrics   *PeerMetrics

	incoming chan *file.Transfer
	stopOnce sync.Once
}

// PeerMetrics tracks peer activity.
type PeerMetrics struct {
	StartTime      time.Time
	OffersSent     int64
	OffersReceived int64
	Completed      int64
	Failed         int64
	FallBacks      int64
	mu             sync.RWMutex
}

// PeerConfig holds configuration for a peer.
type PeerConfig struct {
	Name    string
	Address string
	// Options configure the file manager. When LocalStreamhost is set a
	// listener is opened and placed in Options.Listener.
	Options         file.Options
	LocalStreamhost bool
	Logger          *logrus.Entry
}

// DefaultPeerConfig returns a default configuration for a peer named name.
func DefaultPeerConfig(name string) *PeerConfig {
	return &PeerConfig{
		Name:    name,
		Address: fmt.Sprintf("%s@testnet.local/harness", name),
		Options: file.Options{Config: file.DefaultConfig()},
		Logger:  logrus.WithField("component", "peer"),
	}
}

// NewPeer connects a peer to network and starts answering discovery and
// file offers. Offers are refused until AcceptAll is called.
func NewPeer(network *Network, config *PeerConfig) (*Peer, error) {
	if config == nil {
		return nil, fmt.Errorf("peer config is required")
	}
	address, err := jid.Parse(config.Address)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", config.Name, err)
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "peer")
	}
	logger = logger.WithField("peer", config.Name)

	ep, err := network.Connect(address)
	if err != nil {
		return nil, err
	}

	opts := config.Options
	var ln *socks5.Listener
	if config.LocalStreamhost {
		ln, err = socks5.Listen("127.0.0.1:0")
		if err != nil {
			ep.Close()
			return nil, fmt.Errorf("peer %s local streamhost: %w", config.Name, err)
		}
		opts.Listener = ln
	}

	p := &Peer{
		name:      config.Name,
		endpoint:  ep,
		responder: disco.NewResponder(ep, stanza.DiscoIdentity{Category: "client", Type: "pc", Name: config.Name}, disco.TransferFeatures),
		manager:   file.NewManager(ep, opts),
		listener:  ln,
		logger:    logger,
		metrics:   &PeerMetrics{StartTime: time.Now()},
		incoming:  make(chan *file.Transfer, 4),
	}
	p.manager.Observe(p.observer())

	logger.WithField("address", address.String()).Info("Peer connected")
	return p, nil
}

func (p *Peer) observer() file.Observer {
	return file.Observer{
		OnOfferSent: func(t *file.Transfer) {
			p.metrics.mu.Lock()
			p.metrics.OffersSent++
			p.metrics.mu.Unlock()
		},
		OnComplete: func(t *file.Transfer) {
			snap := t.Snapshot()
			p.metrics.mu.Lock()
			p.metrics.Completed++
			if snap.FellBack {
				p.metrics.FallBacks++
			}
			p.metrics.mu.Unlock()

			p.logger.WithFields(logrus.Fields{
				"session_id": t.ID(),
				"direction":  t.Direction().String(),
				"method":     snap.Method.String(),
				"bytes":      snap.Transferred,
			}).Info("✅ Transfer completed")
		},
		OnFailure: func(t *file.Transfer, err error) {
			p.metrics.mu.Lock()
			p.metrics.Failed++
			p.metrics.mu.Unlock()

			p.logger.WithFields(logrus.Fields{
				"session_id": t.ID(),
				"direction":  t.Direction().String(),
				"error":      err.Error(),
			}).Warn("❌ Transfer failed")
		},
	}
}

// AcceptAll makes the peer accept every offer with method, or its first
// supported method when method is empty.
func (p *Peer) AcceptAll(method file.Method) {
	p.manager.OnOffer(func(o *file.Offer) {
		p.metrics.mu.Lock()
		p.metrics.OffersReceived++
		p.metrics.mu.Unlock()

		t, err := p.manager.Accept(o, method)
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"session_id": o.ID,
				"error":      err.Error(),
			}).Warn("Failed to accept offer")
			return
		}
		select {
		case p.incoming <- t:
		default:
			p.logger.WithField("session_id", o.ID).Warn("Incoming transfer queue full")
		}
	})
}

// SendFile offers data to peer under name.
func (p *Peer) SendFile(ctx context.Context, to jid.JID, name string, data []byte, methods ...file.Method) (*file.Transfer, error) {
	return p.manager.SendOffer(ctx, to, file.Metadata{
		Name: name,
		Size: int64(len(data)),
		Date: time.Now(),
	}, bytes.NewReader(data), methods...)
}

// WaitIncoming returns the next accepted incoming transfer.
func (p *Peer) WaitIncoming(ctx context.Context) (*file.Transfer, error) {
	select {
	case t := <-p.incoming:
		return t, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: no incoming transfer: %w", p.name, ctx.Err())
	}
}

// Stop closes the manager, the listener and the stream.
func (p *Peer) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		err = multierr.Append(err, p.manager.Close())
		p.responder.Close()
		if p.listener != nil {
			err = multierr.Append(err, p.listener.Close())
		}
		err = multierr.Append(err, p.endpoint.Close())
		p.logger.Info("Peer stopped")
	})
	return err
}

// GetName returns the peer's name.
func (p *Peer) GetName() string {
	return p.name
}

// JID returns the peer's address.
func (p *Peer) JID() jid.JID {
	return p.endpoint.LocalJID()
}

// GetMetrics returns a copy of the peer's counters.
func (p *Peer) GetMetrics() PeerMetrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	return PeerMetrics{
		StartTime:      p.metrics.StartTime,
		OffersSent:     p.metrics.OffersSent,
		OffersReceived: p.metrics.OffersReceived,
		Completed:      p.metrics.Completed,
		Failed:         p.metrics.Failed,
		FallBacks:      p.metrics.FallBacks,
	}
}
