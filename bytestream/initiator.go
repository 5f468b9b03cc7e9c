package bytestream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/disco"
	"github.com/opd-ai/xmppft/internal/clockctx"
	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/xferr"
)

// StartAsInitiator offers candidates to the peer and returns the connected
// socket. A failure of kind CapabilityUnsupported or CandidateExhausted
// means the peer could not be reached over a bytestream and the caller may
// fall back to another method. A missing reply to the probe or the offer is
// reported with one of those kinds.
func (s *Session) StartAsInitiator(ctx context.Context, candidates CandidateSet) (net.Conn, error) {
	const op = "bytestream initiate"

	run, err := s.begin(ctx, RoleInitiator, op)
	if err != nil {
		return nil, err
	}
	defer s.finish()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.StartAsInitiator",
		"session_id": s.p.SID,
		"peer":       s.p.Peer.String(),
		"candidates": candidates.Len(),
	}).Info("Starting bytestream negotiation")

	if s.p.Config.ProbeCapability {
		s.setState(StateDiscoveringPeerSupport)
		if err := s.probe(run); err != nil {
			return nil, err
		}
	}

	if candidates.Len() == 0 {
		return nil, s.fail(xferr.KindCandidateExhausted, op, errors.New("no streamhost candidates"))
	}

	s.setState(StateRacingStreamhosts)

	var incoming <-chan net.Conn
	if s.p.Listener != nil && (candidates.HasKind(KindLocal) || candidates.HasKind(KindMapped)) {
		ch, release, err := s.p.Listener.Expect(s.dst)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Session.StartAsInitiator",
				"session_id": s.p.SID,
				"error":      err.Error(),
			}).Warn("Local streamhost cannot accept this session")
		} else {
			incoming = ch
			defer release()
		}
	}

	used, err := s.offer(run, candidates)
	if err != nil {
		return nil, err
	}

	if used.Kind == KindProxy {
		conn, err := s.activate(run, used)
		if err != nil {
			return nil, err
		}
		return s.connected(op, conn, used)
	}

	conn, err := s.awaitLocal(run, incoming)
	if err != nil {
		return nil, err
	}
	return s.connected(op, conn, used)
}

// probe checks that the peer advertises bytestream support.
func (s *Session) probe(run context.Context) error {
	const op = "capability probe"

	wctx, cancel := clockctx.WithTimeout(run, s.p.Clock, s.p.Config.ProbeTimeout)
	defer cancel()

	var (
		info *stanza.DiscoInfo
		err  error
	)
	if s.p.Capabilities != nil {
		info, err = s.p.Capabilities.Lookup(wctx, s.p.Stream, s.p.Peer)
	} else {
		info, err = disco.Query(wctx, s.p.Stream, s.p.Peer)
	}
	if err != nil {
		xe := s.fail(xferr.KindCapabilityUnsupported, op, err)
		if clockctx.Expired(wctx) {
			xe.WithDetail("no reply to capability probe")
		}
		return xe
	}
	if !info.HasFeature(stanza.NSBytestreams) {
		return s.fail(xferr.KindCapabilityUnsupported, op, nil).WithDetail("peer does not advertise " + stanza.NSBytestreams)
	}
	return nil
}

// offer sends the streamhost list and returns the candidate the peer used.
func (s *Session) offer(run context.Context, candidates CandidateSet) (Candidate, error) {
	const op = "streamhost offer"

	wctx, cancel := clockctx.WithTimeout(run, s.p.Clock, offerWait(s.p.Config, candidates.Len()))
	defer cancel()

	reply, err := stanza.Request(wctx, s.p.Stream, &stanza.IQ{
		Type: stanza.TypeSet,
		To:   s.p.Peer,
		Bytestream: &stanza.BytestreamQuery{
			SID:         s.p.SID,
			Mode:        "tcp",
			StreamHosts: candidates.StreamHosts(),
		},
	})
	if err != nil {
		var se *stanza.StanzaError
		switch {
		case errors.As(err, &se):
			return Candidate{}, s.fail(offerErrorKind(se), op, se).WithDetail(se.Detail())
		case clockctx.Expired(wctx):
			return Candidate{}, s.fail(xferr.KindCandidateExhausted, op, xferr.ErrTimeout).
				WithDetail("no streamhost result before deadline")
		default:
			return Candidate{}, s.fail(xferr.KindProtocol, op, err)
		}
	}

	if reply.Bytestream == nil || reply.Bytestream.StreamHostUsed == nil {
		return Candidate{}, s.fail(xferr.KindProtocol, op, errors.New("result without streamhost-used"))
	}
	usedJID := reply.Bytestream.StreamHostUsed.JID
	used, ok := candidates.Find(usedJID)
	if !ok {
		return Candidate{}, s.fail(xferr.KindProtocol, op, fmt.Errorf("peer used unknown streamhost %s", usedJID))
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Session.offer",
		"session_id": s.p.SID,
		"streamhost": usedJID.String(),
		"candidate":  used.Kind.String(),
	}).Debug("Peer reported streamhost used")
	return used, nil
}

// offerWait bounds the wait for the streamhost result. The target tries
// candidates one at a time, so the wait is stretched to cover a full scan
// plus one more connect timeout for the result to arrive.
func offerWait(cfg Config, candidates int) time.Duration {
	scan := time.Duration(candidates) * cfg.ConnectTimeout
	if scan < cfg.OfferTimeout {
		return cfg.OfferTimeout
	}
	return scan + cfg.ConnectTimeout
}

// offerErrorKind classifies the peer's error reply to an offer.
func offerErrorKind(se *stanza.StanzaError) xferr.Kind {
	switch se.Condition {
	case stanza.CondNotAcceptable, stanza.CondItemNotFound, stanza.CondRemoteServerTimeout:
		return xferr.KindCandidateExhausted
	case stanza.CondServiceUnavailable, stanza.CondFeatureNotImpl:
		return xferr.KindCapabilityUnsupported
	case stanza.CondForbidden:
		return xferr.KindDeclined
	default:
		return xferr.KindProtocol
	}
}

// awaitLocal waits for the target's connection on the local streamhost.
// The target connects before reporting the result, so the connection is
// normally already queued.
func (s *Session) awaitLocal(run context.Context, incoming <-chan net.Conn) (net.Conn, error) {
	const op = "local streamhost"

	if incoming == nil {
		return nil, s.fail(xferr.KindHandshake, op, errors.New("local streamhost not listening"))
	}

	wctx, cancel := clockctx.WithTimeout(run, s.p.Clock, s.p.Config.ConnectTimeout)
	defer cancel()

	select {
	case conn := <-incoming:
		return conn, nil
	case <-wctx.Done():
		return nil, s.fail(xferr.KindHandshake, op, xferr.ErrTimeout).
			WithDetail("target reported local streamhost but never connected")
	}
}

// activate connects to the proxy the target used and asks it to splice
// both connections. The proxy socket is closed if activation fails.
func (s *Session) activate(run context.Context, proxyHost Candidate) (net.Conn, error) {
	const op = "proxy activation"

	s.setState(StateAwaitingActivation)

	conn, err := s.dial(run, proxyHost)
	if err != nil {
		return nil, s.fail(xferr.KindHandshake, op, err).WithPeer(proxyHost.Address())
	}

	wctx, cancel := clockctx.WithTimeout(run, s.p.Clock, s.p.Config.ActivationTimeout)
	defer cancel()

	_, err = stanza.Request(wctx, s.p.Stream, &stanza.IQ{
		Type: stanza.TypeSet,
		To:   proxyHost.JID,
		Bytestream: &stanza.BytestreamQuery{
			SID:      s.p.SID,
			Activate: s.p.Peer.String(),
		},
	})
	if err != nil {
		conn.Close()
		xe := s.fail(xferr.KindActivationTimeout, op, err).WithPeer(proxyHost.JID.String())
		var se *stanza.StanzaError
		if errors.As(err, &se) {
			xe.WithDetail(se.Detail())
		}
		return nil, xe
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Session.activate",
		"session_id": s.p.SID,
		"proxy":      proxyHost.JID.String(),
	}).Debug("Proxy activated")
	return conn, nil
}
