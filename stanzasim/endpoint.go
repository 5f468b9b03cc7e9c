package stanzasim

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

type registration struct {
	id      uint64
	match   stanza.Matcher
	handler stanza.Handler
}

// Endpoint is one entity attached to a Hub. It implements stanza.Stream.
type Endpoint struct {
	hub    *Hub
	jid    jid.JID
	sendMu sync.Mutex

	mu       sync.Mutex
	inbox    []*stanza.IQ
	handlers []registration
	nextID   uint64
	closed   bool

	wake chan struct{}
	done chan struct{}
}

var _ stanza.Stream = (*Endpoint)(nil)

// LocalJID implements stanza.Stream.
func (e *Endpoint) LocalJID() jid.JID { return e.jid }

// Send implements stanza.Stream. Sends from one endpoint are serialized.
func (e *Endpoint) Send(iq *stanza.IQ) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return stanza.ErrStreamClosed
	}
	if iq.From.IsZero() {
		iq.From = e.jid
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.hub.route(iq)
}

// Handle implements stanza.Stream.
func (e *Endpoint) Handle(match stanza.Matcher, h stanza.Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, registration{id: id, match: match, handler: h})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, r := range e.handlers {
				if r.id == id {
					e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Close detaches the endpoint from the hub and stops dispatching.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.disconnect(e)
	close(e.done)
	return nil
}

func (e *Endpoint) enqueue(iq *stanza.IQ) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.inbox = append(e.inbox, iq)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) dispatchLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}

		for {
			e.mu.Lock()
			if len(e.inbox) == 0 || e.closed {
				e.mu.Unlock()
				break
			}
			iq := e.inbox[0]
			e.inbox = e.inbox[1:]
			handlers := make([]registration, len(e.handlers))
			copy(handlers, e.handlers)
			e.mu.Unlock()

			e.dispatch(iq, handlers)
		}
	}
}

func (e *Endpoint) dispatch(iq *stanza.IQ, handlers []registration) {
	matched := false
	for _, r := range handlers {
		if r.match(iq) {
			matched = true
			r.handler(iq)
		}
	}
	if matched || !iq.Type.IsRequest() {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.dispatch",
		"jid":      e.jid.String(),
		"id":       iq.ID,
		"from":     iq.From.String(),
		"payload":  iq.Payload(),
	}).Debug("No handler for request, answering service-unavailable")

	reply := iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondServiceUnavailable, ""))
	if err := e.Send(reply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.dispatch",
			"jid":      e.jid.String(),
			"error":    err.Error(),
		}).Debug("Failed to send service-unavailable reply")
	}
}
