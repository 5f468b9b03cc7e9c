// Package disco implements the parts of XMPP service discovery used to probe
// and advertise file transfer capabilities.
package disco

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

// TransferFeatures are the namespaces advertised by a file transfer capable
// entity.
var TransferFeatures = []string{
	stanza.NSDiscoInfo,
	stanza.NSBytestreams,
	stanza.NSIBB,
	stanza.NSSI,
	stanza.NSSIFile,
}

// Responder answers disco#info requests with a fixed identity and feature set.
type Responder struct {
	identity   stanza.DiscoIdentity
	features   []string
	unregister func()
}

// NewResponder starts answering disco#info queries on s.
func NewResponder(s stanza.Stream, identity stanza.DiscoIdentity, features []string) *Responder {
	r := &Responder{identity: identity, features: append([]string(nil), features...)}
	r.unregister = s.Handle(
		stanza.MatchRequest(func(iq *stanza.IQ) bool { return iq.Type == stanza.TypeGet && iq.Disco != nil }),
		func(iq *stanza.IQ) {
			reply := iq.Reply()
			reply.Disco = r.info()
			if err := s.Send(reply); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Responder.handle",
					"peer":     iq.From.String(),
					"error":    err.Error(),
				}).Warn("Failed to answer disco#info")
			}
		},
	)
	return r
}

// Close stops answering queries.
func (r *Responder) Close() {
	r.unregister()
}

func (r *Responder) info() *stanza.DiscoInfo {
	info := &stanza.DiscoInfo{Identities: []stanza.DiscoIdentity{r.identity}}
	for _, f := range r.features {
		info.Features = append(info.Features, stanza.DiscoFeature{Var: f})
	}
	return info
}

// Query asks peer for its disco#info.
func Query(ctx context.Context, s stanza.Stream, peer jid.JID) (*stanza.DiscoInfo, error) {
	reply, err := stanza.Request(ctx, s, &stanza.IQ{
		Type:  stanza.TypeGet,
		To:    peer,
		Disco: &stanza.DiscoInfo{},
	})
	if err != nil {
		return nil, fmt.Errorf("disco#info %s: %w", peer, err)
	}
	if reply.Disco == nil {
		return &stanza.DiscoInfo{}, nil
	}
	return reply.Disco, nil
}

// Cache remembers peers' feature sets for a bounded time so repeated
// transfers to the same peer skip the probe.
type Cache struct {
	lru *expirable.LRU[string, *stanza.DiscoInfo]
}

// NewCache creates a cache of at most size entries kept for ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, *stanza.DiscoInfo](size, nil, ttl)}
}

// Lookup returns the cached info for peer, querying it when absent.
// Failed queries are not cached.
func (c *Cache) Lookup(ctx context.Context, s stanza.Stream, peer jid.JID) (*stanza.DiscoInfo, error) {
	key := peer.String()
	if info, ok := c.lru.Get(key); ok {
		return info, nil
	}
	info, err := Query(ctx, s, peer)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, info)
	return info, nil
}

// Forget drops the cached entry for peer.
func (c *Cache) Forget(peer jid.JID) {
	c.lru.Remove(peer.String())
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
