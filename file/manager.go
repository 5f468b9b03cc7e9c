package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/xmppft/bytestream"
	"github.com/opd-ai/xmppft/disco"
	"github.com/opd-ai/xmppft/ibb"
	"github.com/opd-ai/xmppft/internal/clockctx"
	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/socks5"
	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/xferr"
)

// streamChunkSize is the buffer size used on an established bytestream.
const streamChunkSize = 32 * 1024

// Config bounds the stream initiation exchange and carries the settings of
// both transports.
type Config struct {
	// SIResponseTimeout bounds the wait for the peer's answer to an offer.
	SIResponseTimeout time.Duration
	// DecisionTimeout bounds how long an incoming offer waits for Accept or
	// Reject before it is rejected.
	DecisionTimeout time.Duration
	// TransportTimeout bounds the receiver's wait for the sender to start a
	// transport, and any stall of an established bytestream.
	TransportTimeout time.Duration
	// DiscoveryTimeout bounds proxy address queries and port mapping.
	DiscoveryTimeout time.Duration

	Bytestream bytestream.Config
	IBB        ibb.Config
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		SIResponseTimeout: 60 * time.Second,
		DecisionTimeout:   60 * time.Second,
		TransportTimeout:  60 * time.Second,
		DiscoveryTimeout:  bytestream.DefaultDiscoveryTimeout,
		Bytestream:        bytestream.DefaultConfig(),
		IBB:               ibb.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SIResponseTimeout <= 0 {
		c.SIResponseTimeout = d.SIResponseTimeout
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = d.DecisionTimeout
	}
	if c.TransportTimeout <= 0 {
		c.TransportTimeout = d.TransportTimeout
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	return c
}

// Options are the collaborators of a Manager. Only Config is required.
type Options struct {
	Config Config

	// Registry supplies proxies and local streamhost settings. A transfer
	// takes a snapshot when its bytestream starts.
	Registry *bytestream.Registry
	// Listener is the local streamhost shared by all outgoing transfers.
	Listener *socks5.Listener
	// Dialer reaches streamhosts, directly or through an upstream proxy.
	Dialer proxy.ContextDialer
	// Capabilities caches peer feature probes.
	Capabilities *disco.Cache
	Metrics      *Metrics
	Clock        clock.Clock
}

// Observer receives transfer events. Any field may be nil. Events of one
// transfer are delivered in order; exactly one of OnComplete and OnFailure
// is called per transfer.
type Observer struct {
	OnOfferSent func(t *Transfer)
	OnBegin     func(t *Transfer)
	OnProgress  func(t *Transfer, transferred int64)
	OnComplete  func(t *Transfer)
	OnFailure   func(t *Transfer, err error)
}

// transferKey uniquely identifies a file transfer.
type transferKey struct {
	peer string
	sid  string
}

// Manager negotiates file transfers over one XMPP stream and drives each
// transfer on its own goroutine.
type Manager struct {
	stream stanza.Stream
	opts   Options
	cfg    Config
	clock  clock.Clock

	mu           sync.RWMutex
	transfers    map[transferKey]*Transfer
	observers    map[uint64]Observer
	nextObserver uint64
	offerHandler func(*Offer)
	closed       bool

	ctx        context.Context
	cancel     context.CancelFunc
	unregister func()
	wg         sync.WaitGroup
}

// NewManager creates a manager and starts answering file offers on s.
func NewManager(s stanza.Stream, opts Options) *Manager {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"local":    s.LocalJID().String(),
	}).Info("Creating new file transfer manager")

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registry == nil {
		opts.Registry = bytestream.NewRegistry(bytestream.Settings{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		stream:    s,
		opts:      opts,
		cfg:       opts.Config.withDefaults(),
		clock:     opts.Clock,
		transfers: make(map[transferKey]*Transfer),
		observers: make(map[uint64]Observer),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.unregister = s.Handle(stanza.MatchRequest(IsFileOffer), m.handleOffer)
	return m
}

// Observe registers o for events of every transfer. The returned function
// removes it.
func (m *Manager) Observe(o Observer) func() {
	m.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers[id] = o
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// OnOffer sets the function called for each incoming offer. It runs on its
// own goroutine and must eventually call Accept or Reject; offers left
// undecided are rejected after the decision timeout. Without a handler
// every offer is rejected.
func (m *Manager) OnOffer(handler func(*Offer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offerHandler = handler
}

// GetTransfer retrieves a transfer in progress by peer and session id.
func (m *Manager) GetTransfer(peer jid.JID, sid string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transfers[transferKey{peer: peer.String(), sid: sid}]
	if !ok {
		return nil, fmt.Errorf("transfer not found for peer %s session %s", peer, sid)
	}
	return t, nil
}

// Transfers returns the transfers in progress. A transfer is forgotten once
// its final event has been delivered.
func (m *Manager) Transfers() []*Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	return out
}

// SendOffer offers data to peer and, once accepted, sends it in the
// background. Methods are listed in preference order and default to
// bytestreams then in-band. The returned transfer reports the outcome.
func (m *Manager) SendOffer(ctx context.Context, peer jid.JID, meta Metadata, data io.ReadSeeker, methods ...Method) (*Transfer, error) {
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	for _, method := range methods {
		if !supported(method) {
			return nil, fmt.Errorf("unsupported stream method %q", method)
		}
	}
	if _, err := ValidateName(meta.Name); err != nil {
		return nil, err
	}
	if meta.Size < 0 {
		return nil, fmt.Errorf("invalid file size %d", meta.Size)
	}
	if data == nil {
		return nil, errors.New("no data to send")
	}

	if meta.Hash == "" {
		hash, err := computeMD5(data)
		if err != nil {
			return nil, fmt.Errorf("hash source: %w", err)
		}
		meta.Hash = hash
	} else if _, err := data.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind source: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("manager closed")
	}
	sid := stanza.NewID()
	for m.live(peer, sid) {
		sid = stanza.NewID()
	}
	t := newTransfer(sid, peer, DirectionOutgoing, meta, m.clock)
	m.transfers[transferKey{peer: peer.String(), sid: sid}] = t
	m.wg.Add(1)
	m.mu.Unlock()

	run, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	t.setAbort(func() {
		m.fail(t, xferr.New(xferr.KindAborted, "transfer cancel", nil).WithPeer(peer.String()))
		cancel()
	})
	m.opts.Metrics.transferStarted(DirectionOutgoing)

	go func() {
		defer m.wg.Done()
		defer m.forget(t)
		defer stop()
		defer cancel()
		m.runOutgoing(run, t, data, methods)
	}()
	return t, nil
}

func (m *Manager) runOutgoing(run context.Context, t *Transfer, data io.ReadSeeker, methods []Method) {
	method, err := m.negotiate(run, t, methods)
	if err != nil {
		m.fail(t, err)
		return
	}
	t.setState(StateNegotiating)

	fellBack := false
	if method == MethodBytestreams {
		err = m.sendBytestream(run, t, data)
		if err == nil {
			m.complete(t, nil)
			return
		}
		if !m.canFallBack(run, t, err, methods) {
			m.fail(t, err)
			return
		}

		logrus.WithFields(logrus.Fields{
			"function":   "Manager.runOutgoing",
			"session_id": t.ID(),
			"peer":       t.Peer().String(),
			"error":      err.Error(),
		}).Info("Bytestream unavailable, falling back to in-band transfer")

		m.opts.Metrics.fallback()
		t.resetProgress()
		if _, err := data.Seek(0, io.SeekStart); err != nil {
			m.fail(t, xferr.New(xferr.KindProtocol, "in-band send", err))
			return
		}
		fellBack = true
	}

	if err := m.sendIBB(run, t, data, fellBack); err != nil {
		m.fail(t, err)
		return
	}
	m.complete(t, nil)
}

// canFallBack reports whether a failed bytestream may be replaced by an
// in-band stream under the same agreement.
func (m *Manager) canFallBack(run context.Context, t *Transfer, err error, methods []Method) bool {
	if run.Err() != nil || !xferr.IsRecoverable(err) || t.Snapshot().Transferred > 0 {
		return false
	}
	for _, method := range methods {
		if method == MethodIBB {
			return true
		}
	}
	return false
}

// negotiate sends the offer and returns the method chosen by the peer.
func (m *Manager) negotiate(run context.Context, t *Transfer, methods []Method) (Method, error) {
	const op = "si offer"

	req := buildOffer(t.ID(), t.Peer(), t.Metadata(), methods)
	m.emit(func(o Observer) {
		if o.OnOfferSent != nil {
			o.OnOfferSent(t)
		}
	})

	wctx, cancel := clockctx.WithTimeout(run, m.clock, m.cfg.SIResponseTimeout)
	reply, err := stanza.Request(wctx, m.stream, req)
	expired := clockctx.Expired(wctx)
	cancel()

	if err != nil {
		var se *stanza.StanzaError
		switch {
		case errors.As(err, &se) && se.Condition == stanza.CondForbidden:
			return "", xferr.New(xferr.KindDeclined, op, se).WithPeer(t.Peer().String()).WithDetail(se.Detail())
		case errors.As(err, &se) && (se.AppCondition == noValidStreams ||
			se.Condition == stanza.CondServiceUnavailable ||
			se.Condition == stanza.CondFeatureNotImpl):
			return "", xferr.New(xferr.KindCapabilityUnsupported, op, se).WithPeer(t.Peer().String()).WithDetail(se.Detail())
		case errors.As(err, &se):
			return "", xferr.New(xferr.KindProtocol, op, se).WithPeer(t.Peer().String()).WithDetail(se.Detail())
		case expired:
			return "", xferr.New(xferr.KindTimeout, op, err).WithPeer(t.Peer().String()).WithDetail("no answer to offer")
		case run.Err() != nil:
			return "", xferr.New(xferr.KindAborted, op, err).WithPeer(t.Peer().String())
		default:
			return "", xferr.New(xferr.KindProtocol, op, err).WithPeer(t.Peer().String())
		}
	}

	chosen := ExtractStreamMethods(reply)
	if len(chosen) != 1 || !contains(methods, chosen[0]) {
		return "", xferr.New(xferr.KindProtocol, op, nil).WithPeer(t.Peer().String()).
			WithDetail("answer does not select an offered stream method")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.negotiate",
		"session_id": t.ID(),
		"peer":       t.Peer().String(),
		"method":     chosen[0].String(),
	}).Info("File offer accepted")
	return chosen[0], nil
}

func (m *Manager) sendBytestream(run context.Context, t *Transfer, data io.Reader) error {
	t.setMethod(MethodBytestreams, false)

	candidates := bytestream.BuildCandidates(run, bytestream.BuildOptions{
		Initiator:        m.stream.LocalJID(),
		Stream:           m.stream,
		Settings:         m.opts.Registry.Snapshot(),
		Listener:         m.opts.Listener,
		Clock:            m.clock,
		DiscoveryTimeout: m.cfg.DiscoveryTimeout,
	})

	sess := bytestream.NewInitiator(bytestream.Params{
		SID:          t.ID(),
		Local:        m.stream.LocalJID(),
		Peer:         t.Peer(),
		Stream:       m.stream,
		Config:       m.cfg.Bytestream,
		Clock:        m.clock,
		Dialer:       m.opts.Dialer,
		Listener:     m.opts.Listener,
		Capabilities: m.opts.Capabilities,
	})
	stop := context.AfterFunc(run, func() { sess.Abort() })
	defer stop()
	defer sess.Close()

	conn, err := sess.StartAsInitiator(run, candidates)
	if err != nil {
		return err
	}
	m.begin(t, MethodBytestreams, false)
	return m.copyOut(t, conn, data)
}

// copyOut writes the declared size from data to conn.
func (m *Manager) copyOut(t *Transfer, conn net.Conn, data io.Reader) error {
	const op = "bytestream send"

	guard := newIdleGuard(m.clock, m.cfg.TransportTimeout, conn)
	defer guard.stop()

	size := t.Metadata().Size
	buf := make([]byte, streamChunkSize)
	var sent int64
	for sent < size {
		n := int64(len(buf))
		if remaining := size - sent; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(data, buf[:n]); err != nil {
			return xferr.New(xferr.KindProtocol, op, fmt.Errorf("read source: %w", err))
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			if guard.expired() {
				return xferr.New(xferr.KindTimeout, op, err).WithPeer(t.Peer().String()).WithDetail("bytestream stalled")
			}
			return xferr.New(xferr.KindProtocol, op, err).WithPeer(t.Peer().String())
		}
		guard.touch()
		sent += n
		m.progress(t, sent)
	}
	return nil
}

func (m *Manager) sendIBB(run context.Context, t *Transfer, data io.Reader, fellBack bool) error {
	sender := ibb.NewSender(ibb.Params{
		SID:    t.ID(),
		Local:  m.stream.LocalJID(),
		Peer:   t.Peer(),
		Stream: m.stream,
		Config: m.cfg.IBB,
		Clock:  m.clock,
	})
	stop := context.AfterFunc(run, func() { sender.Abort() })
	defer stop()

	m.begin(t, MethodIBB, fellBack)
	return sender.Send(run, data, t.Metadata().Size, func(n int64) { m.progress(t, n) })
}

// handleOffer surfaces an incoming offer. It runs on the stream's dispatch
// goroutine and never blocks.
func (m *Manager) handleOffer(iq *stanza.IQ) {
	offer, err := parseOffer(iq)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleOffer",
			"from":     iq.From.String(),
			"error":    err.Error(),
		}).Warn("Rejecting malformed file offer")
		_ = m.stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeModify, stanza.CondBadRequest, err.Error())))
		return
	}

	usable := false
	for _, method := range offer.Methods {
		usable = usable || supported(method)
	}
	if !usable {
		se := stanza.NewError(stanza.ErrorTypeCancel, stanza.CondBadRequest, "no supported stream method")
		se.AppCondition = noValidStreams
		_ = m.stream.Send(iq.ErrorReply(se))
		return
	}

	m.mu.RLock()
	handler := m.offerHandler
	closed := m.closed
	conflict := m.live(offer.From, offer.ID)
	m.mu.RUnlock()

	if conflict {
		offer.claim()
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.handleOffer",
			"session_id": offer.ID,
			"peer":       offer.From.String(),
		}).Warn("Rejecting file offer reusing an active session id")
		_ = m.stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondConflict, "session id in use")))
		return
	}

	if handler == nil || closed {
		offer.claim()
		_ = m.stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondForbidden, "Offer Declined")))
		return
	}

	timer := m.clock.AfterFunc(m.cfg.DecisionTimeout, func() {
		if err := m.Reject(offer); err == nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Manager.handleOffer",
				"session_id": offer.ID,
				"peer":       offer.From.String(),
			}).Info("File offer not decided in time, rejected")
		}
	})
	offer.mu.Lock()
	offer.cancel = timer.Stop
	offer.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleOffer",
		"session_id": offer.ID,
		"peer":       offer.From.String(),
		"file_name":  offer.Meta.Name,
		"file_size":  offer.Meta.Size,
	}).Info("Incoming file offer")

	go handler(offer)
}

// Reject declines offer. No transport is prepared and the peer does not
// retry.
func (m *Manager) Reject(offer *Offer) error {
	if offer == nil {
		return errors.New("nil offer")
	}
	if !offer.claim() {
		return ErrAlreadyDecided
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Reject",
		"session_id": offer.ID,
		"peer":       offer.From.String(),
	}).Info("Declining file offer")

	return m.stream.Send(offer.request.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondForbidden, "Offer Declined")))
}

// Accept agrees to offer using method, or the first supported method the
// offer lists when method is empty. Receiving starts immediately; the data
// is available from the transfer once it completes.
func (m *Manager) Accept(offer *Offer, method Method) (*Transfer, error) {
	if offer == nil {
		return nil, errors.New("nil offer")
	}
	if method == "" {
		for _, candidate := range offer.Methods {
			if supported(candidate) {
				method = candidate
				break
			}
		}
	}
	if !supported(method) || !offer.Supports(method) {
		return nil, fmt.Errorf("stream method %q not offered", method)
	}
	if !offer.claim() {
		return nil, ErrAlreadyDecided
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.stream.Send(offer.request.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondForbidden, "Offer Declined")))
		return nil, errors.New("manager closed")
	}
	if m.live(offer.From, offer.ID) {
		m.mu.Unlock()
		_ = m.stream.Send(offer.request.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondConflict, "session id in use")))
		return nil, ErrSessionConflict
	}
	t := newTransfer(offer.ID, offer.From, DirectionIncoming, offer.Meta, m.clock)
	m.transfers[transferKey{peer: offer.From.String(), sid: offer.ID}] = t
	m.wg.Add(1)
	m.mu.Unlock()

	run, cancel := context.WithCancel(m.ctx)
	t.setAbort(func() {
		m.fail(t, xferr.New(xferr.KindAborted, "transfer cancel", nil).WithPeer(offer.From.String()))
		cancel()
	})

	// Both transports listen before the answer goes out so nothing the
	// sender does next can be missed.
	in := &incoming{}
	if method == MethodBytestreams {
		offers := make(chan *stanza.IQ, 1)
		in.offers = offers
		in.unregister = m.stream.Handle(bytestream.MatchOffer(offer.ID, offer.From), func(iq *stanza.IQ) {
			select {
			case offers <- iq:
			default:
				_ = m.stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondNotAcceptable, "duplicate streamhost offer")))
			}
		})
	}
	if method == MethodIBB || offer.Supports(MethodIBB) {
		in.receiver = ibb.NewReceiver(ibb.Params{
			SID:    offer.ID,
			Local:  m.stream.LocalJID(),
			Peer:   offer.From,
			Stream: m.stream,
			Config: m.cfg.IBB,
			Clock:  m.clock,
		})
	}
	t.setState(StateNegotiating)
	t.setMethod(method, false)

	if err := m.stream.Send(buildAnswer(offer.request, method)); err != nil {
		in.release()
		xe := xferr.New(xferr.KindProtocol, "si accept", err).WithPeer(offer.From.String())
		m.fail(t, xe)
		cancel()
		m.forget(t)
		m.wg.Done()
		return t, xe
	}
	m.opts.Metrics.transferStarted(DirectionIncoming)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Accept",
		"session_id": offer.ID,
		"peer":       offer.From.String(),
		"method":     method.String(),
	}).Info("Accepted file offer")

	go func() {
		defer m.wg.Done()
		defer m.forget(t)
		defer cancel()
		defer in.release()
		m.runIncoming(run, t, method, in)
	}()
	return t, nil
}

// live reports whether a transfer with peer under sid is in progress.
// The caller holds m.mu.
func (m *Manager) live(peer jid.JID, sid string) bool {
	_, ok := m.transfers[transferKey{peer: peer.String(), sid: sid}]
	return ok
}

// forget drops t once its goroutine has finished, releasing its session id
// and any received data it holds.
func (m *Manager) forget(t *Transfer) {
	k := transferKey{peer: t.Peer().String(), sid: t.ID()}
	m.mu.Lock()
	if m.transfers[k] == t {
		delete(m.transfers, k)
	}
	m.mu.Unlock()
}

// incoming holds the transports a receiver listens on.
type incoming struct {
	offers     <-chan *stanza.IQ
	unregister func()
	receiver   *ibb.Receiver
}

func (in *incoming) release() {
	if in.unregister != nil {
		in.unregister()
	}
	if in.receiver != nil {
		in.receiver.Abort()
	}
}

func (m *Manager) runIncoming(run context.Context, t *Transfer, method Method, in *incoming) {
	offers := in.offers
	var arrived <-chan struct{}
	if in.receiver != nil {
		arrived = in.receiver.Arrived()
	}

	wctx, cancel := clockctx.WithTimeout(run, m.clock, m.cfg.TransportTimeout)
	defer func() { cancel() }()

	for {
		select {
		case offer := <-offers:
			offers = nil
			data, switched, err := m.raceBytestream(run, t, offer, arrived)
			if switched {
				logrus.WithFields(logrus.Fields{
					"function":   "Manager.runIncoming",
					"session_id": t.ID(),
					"peer":       t.Peer().String(),
				}).Info("Sender opened in-band stream, abandoning bytestream")
				t.resetProgress()
				m.receiveInBand(run, t, in.receiver, true)
				return
			}
			if err == nil {
				m.completeIncoming(t, data)
				return
			}
			if in.receiver == nil || run.Err() != nil || !xferr.IsRecoverable(err) || t.Snapshot().Transferred > 0 {
				m.fail(t, err)
				return
			}

			logrus.WithFields(logrus.Fields{
				"function":   "Manager.runIncoming",
				"session_id": t.ID(),
				"peer":       t.Peer().String(),
				"error":      err.Error(),
			}).Info("Bytestream failed, waiting for in-band fallback")

			t.resetProgress()
			cancel()
			wctx, cancel = clockctx.WithTimeout(run, m.clock, m.cfg.TransportTimeout)

		case <-arrived:
			m.receiveInBand(run, t, in.receiver, method != MethodIBB)
			return

		case <-wctx.Done():
			if clockctx.Expired(wctx) {
				m.fail(t, xferr.New(xferr.KindTimeout, "transfer receive", xferr.ErrTimeout).
					WithPeer(t.Peer().String()).WithDetail("sender did not start a transport"))
				return
			}
			m.fail(t, xferr.New(xferr.KindAborted, "transfer receive", context.Cause(run)).WithPeer(t.Peer().String()))
			return
		}
	}
}

// raceBytestream receives over the offered bytestream until it finishes or
// the sender opens an in-band stream, in which case the bytestream is
// aborted and switched is true. The sender only opens the in-band stream
// after giving up on the bytestream, which it may do while the target is
// still working through candidates.
func (m *Manager) raceBytestream(run context.Context, t *Transfer, offer *stanza.IQ, arrived <-chan struct{}) (data []byte, switched bool, err error) {
	bctx, cancel := context.WithCancel(run)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := m.receiveBytestream(bctx, t, offer)
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, false, r.err
	case <-arrived:
		cancel()
		<-done
		return nil, true, nil
	}
}

func (m *Manager) receiveInBand(run context.Context, t *Transfer, receiver *ibb.Receiver, fellBack bool) {
	m.begin(t, MethodIBB, fellBack)
	data, err := receiver.Receive(run, t.Metadata().Size, func(n int64) { m.progress(t, n) })
	if err != nil {
		m.fail(t, err)
		return
	}
	m.completeIncoming(t, data)
}

func (m *Manager) receiveBytestream(run context.Context, t *Transfer, offer *stanza.IQ) ([]byte, error) {
	sess := bytestream.NewTarget(bytestream.Params{
		SID:    t.ID(),
		Local:  m.stream.LocalJID(),
		Peer:   t.Peer(),
		Stream: m.stream,
		Config: m.cfg.Bytestream,
		Clock:  m.clock,
		Dialer: m.opts.Dialer,
	})
	stop := context.AfterFunc(run, func() { sess.Abort() })
	defer stop()
	defer sess.Close()

	conn, err := sess.StartAsTarget(run, offer)
	if err != nil {
		return nil, err
	}
	m.begin(t, MethodBytestreams, false)
	return m.copyIn(t, conn)
}

// copyIn reads exactly the declared size from conn.
func (m *Manager) copyIn(t *Transfer, conn net.Conn) ([]byte, error) {
	const op = "bytestream receive"

	guard := newIdleGuard(m.clock, m.cfg.TransportTimeout, conn)
	defer guard.stop()

	size := t.Metadata().Size
	var out bytes.Buffer
	buf := make([]byte, streamChunkSize)
	for int64(out.Len()) < size {
		want := int64(len(buf))
		if remaining := size - int64(out.Len()); remaining < want {
			want = remaining
		}
		n, err := conn.Read(buf[:want])
		if n > 0 {
			guard.touch()
			out.Write(buf[:n])
			m.progress(t, int64(out.Len()))
		}
		if err == nil {
			continue
		}
		switch {
		case guard.expired():
			return nil, xferr.New(xferr.KindTimeout, op, err).WithPeer(t.Peer().String()).WithDetail("bytestream stalled")
		case errors.Is(err, io.EOF) && int64(out.Len()) < size:
			return nil, xferr.New(xferr.KindProtocol, op, err).WithPeer(t.Peer().String()).
				WithDetail(fmt.Sprintf("stream closed after %d of %d bytes", out.Len(), size))
		case errors.Is(err, io.EOF):
		default:
			return nil, xferr.New(xferr.KindProtocol, op, err).WithPeer(t.Peer().String())
		}
	}
	return out.Bytes(), nil
}

func (m *Manager) completeIncoming(t *Transfer, data []byte) {
	if want := t.Metadata().Hash; want != "" {
		if got := md5Hex(data); !strings.EqualFold(got, want) {
			m.fail(t, xferr.New(xferr.KindHashMismatch, "transfer verify", nil).WithPeer(t.Peer().String()).
				WithDetail(fmt.Sprintf("md5 %s, offer declared %s", got, want)))
			return
		}
	}
	m.complete(t, data)
}

// Close stops answering offers, cancels the transfers in progress and waits
// for their goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	transfers := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		transfers = append(transfers, t)
	}
	m.mu.Unlock()

	m.unregister()
	for _, t := range transfers {
		_ = t.Cancel()
	}
	m.cancel()
	m.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":  "Manager.Close",
		"transfers": len(transfers),
	}).Info("File transfer manager closed")
	return nil
}

func (m *Manager) emit(call func(Observer)) {
	m.mu.RLock()
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.RUnlock()

	for _, o := range observers {
		call(o)
	}
}

// begin records the method in use. OnBegin fires once per transfer even
// when the receiver switches transport after the first one started.
func (m *Manager) begin(t *Transfer, method Method, fellBack bool) {
	t.setMethod(method, fellBack)
	if t.State() == StateRunning || !t.setState(StateRunning) {
		return
	}
	m.emit(func(o Observer) {
		if o.OnBegin != nil {
			o.OnBegin(t)
		}
	})
}

func (m *Manager) progress(t *Transfer, transferred int64) {
	if !t.advance(transferred) {
		return
	}
	m.emit(func(o Observer) {
		if o.OnProgress != nil {
			o.OnProgress(t, transferred)
		}
	})
}

func (m *Manager) complete(t *Transfer, data []byte) {
	if !t.finish(StateCompleted, nil, data) {
		return
	}
	snap := t.Snapshot()
	m.opts.Metrics.transferCompleted(t.Direction(), snap.Method, snap.Transferred)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.complete",
		"session_id": t.ID(),
		"peer":       t.Peer().String(),
		"direction":  t.Direction().String(),
		"method":     snap.Method.String(),
		"fell_back":  snap.FellBack,
		"bytes":      snap.Transferred,
	}).Info("File transfer completed")

	m.emit(func(o Observer) {
		if o.OnComplete != nil {
			o.OnComplete(t)
		}
	})
}

func (m *Manager) fail(t *Transfer, err error) {
	kind := xferr.KindOf(err)
	state := StateError
	switch kind {
	case xferr.KindDeclined:
		state = StateDeclined
	case xferr.KindAborted:
		state = StateCancelled
	}
	if !t.finish(state, err, nil) {
		return
	}
	m.opts.Metrics.transferFailed(t.Direction(), kind.String())

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.fail",
		"session_id": t.ID(),
		"peer":       t.Peer().String(),
		"direction":  t.Direction().String(),
		"kind":       kind.String(),
		"error":      err.Error(),
	}).Warn("File transfer failed")

	m.emit(func(o Observer) {
		if o.OnFailure != nil {
			o.OnFailure(t, err)
		}
	})
}

func contains(methods []Method, want Method) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

// idleGuard closes a connection when no progress is made for d.
type idleGuard struct {
	timer *clock.Timer
	d     time.Duration
	fired atomic.Bool
}

func newIdleGuard(clk clock.Clock, d time.Duration, c io.Closer) *idleGuard {
	g := &idleGuard{d: d}
	g.timer = clk.AfterFunc(d, func() {
		g.fired.Store(true)
		c.Close()
	})
	return g
}

func (g *idleGuard) touch()        { g.timer.Reset(g.d) }
func (g *idleGuard) stop()         { g.timer.Stop() }
func (g *idleGuard) expired() bool { return g.fired.Load() }
