package bytestream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/xferr"
)

// StartAsTarget answers a streamhost offer. Candidates are tried one at a
// time in the order offered; the first successful handshake wins and is
// reported to the initiator. When none succeeds the initiator receives
// not-acceptable and the session fails with CandidateExhausted.
func (s *Session) StartAsTarget(ctx context.Context, offer *stanza.IQ) (net.Conn, error) {
	const op = "bytestream accept"

	run, err := s.begin(ctx, RoleTarget, op)
	if err != nil {
		return nil, err
	}
	defer s.finish()

	if !IsStreamhostOffer(offer) || offer.Bytestream.SID != s.p.SID {
		s.replyError(offer, stanza.ErrorTypeModify, stanza.CondBadRequest, "malformed streamhost offer")
		return nil, s.fail(xferr.KindProtocol, op, errors.New("malformed streamhost offer"))
	}
	if mode := offer.Bytestream.Mode; mode != "" && mode != "tcp" {
		s.replyError(offer, stanza.ErrorTypeCancel, stanza.CondNotAcceptable, "only tcp mode is supported")
		return nil, s.fail(xferr.KindCapabilityUnsupported, op, fmt.Errorf("unsupported mode %q", mode))
	}

	s.setState(StateAwaitingStreamhostResult)

	candidates := CandidatesFromOffer(offer.Bytestream.StreamHosts, offer.From)
	for i, c := range candidates.All() {
		if run.Err() != nil {
			break
		}

		conn, err := s.dial(run, c)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Session.StartAsTarget",
				"session_id": s.p.SID,
				"index":      i,
				"streamhost": c.JID.String(),
				"address":    c.Address(),
				"error":      err.Error(),
			}).Debug("Streamhost unreachable, trying next")
			continue
		}

		reply := offer.Reply()
		reply.Bytestream = &stanza.BytestreamQuery{
			SID:            s.p.SID,
			StreamHostUsed: &stanza.StreamHostUsed{JID: c.JID},
		}
		if err := s.p.Stream.Send(reply); err != nil {
			conn.Close()
			return nil, s.fail(xferr.KindProtocol, op, fmt.Errorf("report streamhost used: %w", err))
		}
		return s.connected(op, conn, c)
	}

	s.replyError(offer, stanza.ErrorTypeCancel, stanza.CondNotAcceptable, "no streamhost reachable")
	return nil, s.fail(xferr.KindCandidateExhausted, op, nil).
		WithDetail(fmt.Sprintf("none of %d streamhosts reachable", candidates.Len()))
}

func (s *Session) replyError(req *stanza.IQ, errType, cond, text string) {
	if req == nil {
		return
	}
	if err := s.p.Stream.Send(req.ErrorReply(stanza.NewError(errType, cond, text))); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Session.replyError",
			"session_id": s.p.SID,
			"condition":  cond,
			"error":      err.Error(),
		}).Debug("Failed to send error reply")
	}
}
