package bytestream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/xmppft/disco"
	"github.com/opd-ai/xmppft/internal/clockctx"
	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/socks5"
	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/xferr"
)

// State is the negotiation state of a Session.
type State uint8

const (
	StateIdle State = iota
	StateDiscoveringPeerSupport
	StateAwaitingStreamhostResult
	StateRacingStreamhosts
	StateAwaitingActivation
	StateConnected
	StateFailed
	StateAborted
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDiscoveringPeerSupport:
		return "DiscoveringPeerSupport"
	case StateAwaitingStreamhostResult:
		return "AwaitingStreamhostResult"
	case StateRacingStreamhosts:
		return "RacingStreamhosts"
	case StateAwaitingActivation:
		return "AwaitingActivation"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateAborted
}

// Role is the side of the negotiation a session plays.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleTarget
)

// String returns the name of the role.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "target"
}

// Config bounds every wait of a session.
type Config struct {
	// ProbeCapability sends a disco#info query before offering streamhosts.
	ProbeCapability bool

	ProbeTimeout time.Duration

	// OfferTimeout bounds the wait for the target's streamhost result. It
	// is extended when shorter than the target's worst-case scan of the
	// offered candidates.
	OfferTimeout time.Duration

	// ConnectTimeout bounds one candidate's connect and handshake.
	ConnectTimeout    time.Duration
	ActivationTimeout time.Duration
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		ProbeCapability:   true,
		ProbeTimeout:      5 * time.Second,
		OfferTimeout:      30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ActivationTimeout: 10 * time.Second,
	}
}

// Params are the collaborators of one session.
type Params struct {
	// SID identifies the bytestream on both sides.
	SID string
	// Local is this entity's full address.
	Local jid.JID
	// Peer is the other party: the target for an initiator session and the
	// initiator for a target session.
	Peer   jid.JID
	Stream stanza.Stream
	Config Config
	Clock  clock.Clock

	// Dialer reaches streamhosts. Defaults to a direct dialer.
	Dialer proxy.ContextDialer
	// Listener is the local streamhost. Only initiators use it.
	Listener *socks5.Listener
	// Capabilities caches probe results. When nil every probe queries.
	Capabilities *disco.Cache
}

// Session negotiates one SOCKS5 bytestream. Its Start method runs on the
// caller's goroutine and returns once the socket is usable or the attempt
// has failed. Abort may be called from any goroutine.
type Session struct {
	role Role
	p    Params
	dst  string

	mu     sync.Mutex
	state  State
	conn   net.Conn
	used   Candidate
	run    context.Context
	cancel context.CancelFunc

	aborted   bool
	abortOnce sync.Once
}

// NewInitiator creates a session that offers streamhosts to p.Peer.
func NewInitiator(p Params) *Session {
	return newSession(RoleInitiator, p, socks5.DestinationAddr(p.SID, p.Local, p.Peer))
}

// NewTarget creates a session that answers an offer from p.Peer.
func NewTarget(p Params) *Session {
	return newSession(RoleTarget, p, socks5.DestinationAddr(p.SID, p.Peer, p.Local))
}

func newSession(role Role, p Params, dst string) *Session {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Dialer == nil {
		p.Dialer = proxy.Direct
	}
	defaults := DefaultConfig()
	if p.Config.ProbeTimeout <= 0 {
		p.Config.ProbeTimeout = defaults.ProbeTimeout
	}
	if p.Config.OfferTimeout <= 0 {
		p.Config.OfferTimeout = defaults.OfferTimeout
	}
	if p.Config.ConnectTimeout <= 0 {
		p.Config.ConnectTimeout = defaults.ConnectTimeout
	}
	if p.Config.ActivationTimeout <= 0 {
		p.Config.ActivationTimeout = defaults.ActivationTimeout
	}
	return &Session{role: role, p: p, dst: dst, state: StateIdle}
}

// SID returns the bytestream session id.
func (s *Session) SID() string { return s.p.SID }

// Role returns the fixed role of the session.
func (s *Session) Role() Role { return s.role }

// Destination returns the hashed SOCKS5 destination of the session.
func (s *Session) Destination() string { return s.dst }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UsedStreamhost returns the streamhost the socket was established through.
func (s *Session) UsedStreamhost() (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, s.state == StateConnected
}

// Abort cancels any outstanding wait, closes the socket and moves the
// session to Aborted. Only the first call releases resources.
func (s *Session) Abort() error {
	var err error
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		prev := s.state
		if prev != StateFailed {
			s.state = StateAborted
		}
		conn := s.conn
		s.conn = nil
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			err = multierr.Append(err, conn.Close())
		}

		logrus.WithFields(logrus.Fields{
			"function":   "Session.Abort",
			"session_id": s.p.SID,
			"role":       s.role.String(),
			"prev_state": prev.String(),
		}).Info("Bytestream session aborted")
	})
	return err
}

// Close releases the established socket without changing state. It is
// used once the data transfer over the socket has finished.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Session) begin(ctx context.Context, want Role, op string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return nil, xferr.New(xferr.KindAborted, op, nil).WithPeer(s.p.Peer.String())
	}
	if s.role != want {
		return nil, xferr.New(xferr.KindProtocol, op, fmt.Errorf("session role is %s", s.role))
	}
	if s.state != StateIdle {
		return nil, xferr.New(xferr.KindProtocol, op, errors.New("session already started"))
	}

	s.run, s.cancel = context.WithCancel(ctx)
	return s.run, nil
}

func (s *Session) finish() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.aborted || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.setState",
		"session_id": s.p.SID,
		"role":       s.role.String(),
		"from":       prev.String(),
		"to":         next.String(),
	}).Debug("Bytestream session state change")
}

// fail moves the session to Failed. When the session was aborted or its
// context ended the failure is reported as Aborted instead.
func (s *Session) fail(kind xferr.Kind, op string, cause error) *xferr.Error {
	s.mu.Lock()
	interrupted := s.aborted || (s.run != nil && s.run.Err() != nil)
	if interrupted {
		if s.state != StateFailed {
			s.state = StateAborted
		}
		kind = xferr.KindAborted
	} else {
		s.state = StateFailed
	}
	s.mu.Unlock()

	xe := xferr.New(kind, op, cause).WithPeer(s.p.Peer.String())

	logrus.WithFields(logrus.Fields{
		"function":   "Session.fail",
		"session_id": s.p.SID,
		"role":       s.role.String(),
		"kind":       kind.String(),
		"error":      xe.Error(),
	}).Warn("Bytestream negotiation failed")
	return xe
}

func (s *Session) connected(op string, conn net.Conn, used Candidate) (net.Conn, error) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		conn.Close()
		return nil, xferr.New(xferr.KindAborted, op, nil).WithPeer(s.p.Peer.String())
	}
	s.state = StateConnected
	s.conn = conn
	s.used = used
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.connected",
		"session_id": s.p.SID,
		"role":       s.role.String(),
		"streamhost": used.JID.String(),
		"candidate":  used.Kind.String(),
		"address":    used.Address(),
	}).Info("Bytestream established")
	return conn, nil
}

// dial opens a TCP connection to c and completes the SOCKS5 handshake
// within the connect timeout.
func (s *Session) dial(ctx context.Context, c Candidate) (net.Conn, error) {
	dctx, cancel := clockctx.WithTimeout(ctx, s.p.Clock, s.p.Config.ConnectTimeout)
	defer cancel()

	conn, err := s.p.Dialer.DialContext(dctx, "tcp", c.Address())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.Address(), err)
	}
	if err := socks5.ClientHandshake(dctx, conn, s.dst); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// IsStreamhostOffer reports whether iq is a bytestream offer carrying at
// least one streamhost.
func IsStreamhostOffer(iq *stanza.IQ) bool {
	return iq != nil &&
		iq.Type == stanza.TypeSet &&
		iq.Bytestream != nil &&
		iq.Bytestream.SID != "" &&
		iq.Bytestream.Activate == "" &&
		len(iq.Bytestream.StreamHosts) > 0
}

// MatchOffer selects streamhost offers for sid from peer.
func MatchOffer(sid string, peer jid.JID) stanza.Matcher {
	return func(iq *stanza.IQ) bool {
		return IsStreamhostOffer(iq) && iq.Bytestream.SID == sid && iq.From.Equal(peer)
	}
}
