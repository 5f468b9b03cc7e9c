package stanzasim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

// ErrUnknownRecipient is recorded when no endpoint is addressed by a stanza.
var ErrUnknownRecipient = errors.New("recipient not connected")

// DeliveryRecord represents a stanza delivery event for test verification.
type DeliveryRecord struct {
	ID        string
	From      string
	To        string
	Type      stanza.IQType
	Payload   string
	Timestamp time.Time
	Delivered bool
	Dropped   bool
}

// DropFunc decides whether a stanza in flight is silently lost.
type DropFunc func(iq *stanza.IQ) bool

// Hub routes stanzas between in-memory endpoints. Every stanza is encoded
// to XML and decoded again on delivery, so the wire codec is exercised.
type Hub struct {
	mu          sync.RWMutex
	endpoints   map[string]*Endpoint
	deliveryLog []DeliveryRecord
	drop        DropFunc
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	logrus.WithFields(logrus.Fields{
		"function": "NewHub",
	}).Debug("Creating simulated stanza hub")

	return &Hub{
		endpoints: make(map[string]*Endpoint),
	}
}

// SetDropFunc installs a loss filter. A nil filter delivers everything.
func (h *Hub) SetDropFunc(drop DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = drop
}

// Connect attaches a new endpoint for address.
func (h *Hub) Connect(address jid.JID) *Endpoint {
	ep := &Endpoint{
		hub:  h,
		jid:  address,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.endpoints[address.String()] = ep
	h.mu.Unlock()

	go ep.dispatchLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Hub.Connect",
		"jid":      address.String(),
	}).Debug("Endpoint connected to simulated hub")

	return ep
}

// DeliveryLog returns a copy of all delivery records.
func (h *Hub) DeliveryLog() []DeliveryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]DeliveryRecord, len(h.deliveryLog))
	copy(out, h.deliveryLog)
	return out
}

// CountPayload returns how many delivered stanzas carried payload and type.
func (h *Hub) CountPayload(payload string, typ stanza.IQType) int {
	n := 0
	for _, rec := range h.DeliveryLog() {
		if rec.Delivered && rec.Payload == payload && rec.Type == typ {
			n++
		}
	}
	return n
}

// resolve finds the endpoint addressed by to. Full addresses need an exact
// match; bare addresses fall back to any endpoint with the same bare JID.
func (h *Hub) resolve(to jid.JID) *Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ep, ok := h.endpoints[to.String()]; ok {
		return ep
	}
	if !to.IsBare() {
		return nil
	}
	for _, ep := range h.endpoints {
		if to.Matches(ep.jid) {
			return ep
		}
	}
	return nil
}

func (h *Hub) route(iq *stanza.IQ) error {
	data, err := stanza.Marshal(iq)
	if err != nil {
		return err
	}

	rec := DeliveryRecord{
		ID:        iq.ID,
		From:      iq.From.String(),
		To:        iq.To.String(),
		Type:      iq.Type,
		Payload:   iq.Payload(),
		Timestamp: time.Now(),
	}

	h.mu.RLock()
	drop := h.drop
	h.mu.RUnlock()

	if drop != nil && drop(iq) {
		rec.Dropped = true
		h.record(rec)
		logrus.WithFields(logrus.Fields{
			"function": "Hub.route",
			"id":       iq.ID,
			"to":       rec.To,
			"payload":  rec.Payload,
		}).Debug("Stanza dropped by loss filter")
		return nil
	}

	target := h.resolve(iq.To)
	if target == nil {
		h.record(rec)
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, iq.To)
	}

	decoded, err := stanza.Unmarshal(data)
	if err != nil {
		return err
	}

	rec.Delivered = true
	h.record(rec)
	target.enqueue(decoded)
	return nil
}

func (h *Hub) record(rec DeliveryRecord) {
	h.mu.Lock()
	h.deliveryLog = append(h.deliveryLog, rec)
	h.mu.Unlock()
}

func (h *Hub) disconnect(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.endpoints[ep.jid.String()]; ok && cur == ep {
		delete(h.endpoints, ep.jid.String())
	}
}
