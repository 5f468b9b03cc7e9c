package stanza

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/jid"
)

// ErrStreamClosed is returned when sending on a closed stream.
var ErrStreamClosed = errors.New("stanza stream closed")

// Handler processes one inbound IQ. Handlers run on the stream's dispatch
// goroutine and must not block.
type Handler func(iq *IQ)

// Matcher selects which inbound IQs a handler receives.
type Matcher func(iq *IQ) bool

// Stream is the XMPP connection consumed by this module. Implementations
// serialize Send across all callers and deliver inbound stanzas to every
// matching handler in arrival order. Unhandled get/set requests are
// answered with service-unavailable by the implementation.
type Stream interface {
	// Send queues iq for delivery. It reports local send failures only.
	Send(iq *IQ) error

	// Handle registers h for inbound IQs selected by match. The returned
	// function removes the registration.
	Handle(match Matcher, h Handler) (unregister func())

	// LocalJID returns this entity's own full address.
	LocalJID() jid.JID
}

// Request sends iq and waits for the matching result or error reply from
// iq.To. An error reply is returned together with its *StanzaError. When ctx
// ends first, ctx.Err() is returned.
func Request(ctx context.Context, s Stream, iq *IQ) (*IQ, error) {
	if iq.ID == "" {
		iq.ID = NewID()
	}
	if iq.From.IsZero() {
		iq.From = s.LocalJID()
	}

	replies := make(chan *IQ, 1)
	unregister := s.Handle(MatchReply(iq), func(reply *IQ) {
		select {
		case replies <- reply:
		default:
		}
	})
	defer unregister()

	if err := s.Send(iq); err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", iq.Payload(), iq.To, err)
	}

	select {
	case reply := <-replies:
		if reply.Type == TypeError {
			se := reply.Error
			if se == nil {
				se = NewError(ErrorTypeCancel, CondUndefined, "")
			}
			return reply, se
		}
		return reply, nil
	case <-ctx.Done():
		logrus.WithFields(logrus.Fields{
			"function": "Request",
			"id":       iq.ID,
			"to":       iq.To.String(),
			"payload":  iq.Payload(),
			"error":    ctx.Err().Error(),
		}).Debug("No reply before deadline")
		return nil, ctx.Err()
	}
}

// MatchReply selects the result or error reply to req.
func MatchReply(req *IQ) Matcher {
	return func(iq *IQ) bool {
		if iq.Type != TypeResult && iq.Type != TypeError {
			return false
		}
		return iq.ID == req.ID && req.To.Equal(iq.From)
	}
}

// MatchRequest selects inbound get/set requests satisfying pred.
func MatchRequest(pred func(iq *IQ) bool) Matcher {
	return func(iq *IQ) bool {
		return iq.Type.IsRequest() && pred(iq)
	}
}
