// Package relay implements a SOCKS5 bytestream proxy: an XMPP entity that
// accepts SOCKS5 connections from both parties of a bytestream, pairs them
// by destination hash and splices them once the initiator activates the
// stream.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/socks5"
	"github.com/opd-ai/xmppft/stanza"
)

// Config configures a relay Server.
type Config struct {
	// ListenAddr is the TCP address SOCKS5 clients connect to.
	ListenAddr string
	// AdvertiseHost is the host announced in streamhost replies. Defaults
	// to the listener's IP.
	AdvertiseHost string
	// HandshakeTimeout bounds each inbound SOCKS5 handshake.
	HandshakeTimeout time.Duration
}

// pending holds the connections that arrived for one destination hash, in
// arrival order: target first, then initiator.
type pending struct {
	conns []net.Conn
}

// Server is a bytestream proxy bound to one XMPP address.
type Server struct {
	address jid.JID
	stream  stanza.Stream
	ln      net.Listener
	host    string
	cfg     Config

	mu      sync.Mutex
	waiting map[string]*pending
	active  map[net.Conn]struct{}
	closed  bool

	unregister []func()
	wg         sync.WaitGroup
}

// NewServer starts a proxy answering on s.
func NewServer(s stanza.Stream, cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = socks5.DefaultHandshakeTimeout
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	host := cfg.AdvertiseHost
	if host == "" {
		host = ln.Addr().(*net.TCPAddr).IP.String()
	}

	srv := &Server{
		address: s.LocalJID(),
		stream:  s,
		ln:      ln,
		host:    host,
		cfg:     cfg,
		waiting: make(map[string]*pending),
		active:  make(map[net.Conn]struct{}),
	}

	srv.unregister = append(srv.unregister,
		s.Handle(stanza.MatchRequest(isAddressQuery), srv.handleAddressQuery),
		s.Handle(stanza.MatchRequest(isActivation), srv.handleActivate),
	)

	srv.wg.Add(1)
	go srv.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "relay.NewServer",
		"jid":      srv.address.String(),
		"address":  ln.Addr().String(),
	}).Info("Bytestream proxy started")
	return srv, nil
}

// StreamHost returns the streamhost advertised by the proxy.
func (srv *Server) StreamHost() stanza.StreamHost {
	return stanza.StreamHost{JID: srv.address, Host: srv.host, Port: srv.ln.Addr().(*net.TCPAddr).Port}
}

// Addr returns the SOCKS5 listening address.
func (srv *Server) Addr() net.Addr { return srv.ln.Addr() }

// Close stops the proxy and closes every connection it holds.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	var conns []net.Conn
	for _, p := range srv.waiting {
		conns = append(conns, p.conns...)
	}
	for c := range srv.active {
		conns = append(conns, c)
	}
	srv.waiting = make(map[string]*pending)
	srv.mu.Unlock()

	for _, unregister := range srv.unregister {
		unregister()
	}

	err := srv.ln.Close()
	for _, c := range conns {
		err = multierr.Append(err, ignoreClosed(c.Close()))
	}
	srv.wg.Wait()
	return err
}

func isAddressQuery(iq *stanza.IQ) bool {
	return iq.Type == stanza.TypeGet && iq.Bytestream != nil && iq.Bytestream.SID == ""
}

func isActivation(iq *stanza.IQ) bool {
	return iq.Type == stanza.TypeSet && iq.Bytestream != nil && iq.Bytestream.Activate != ""
}

func (srv *Server) handleAddressQuery(iq *stanza.IQ) {
	reply := iq.Reply()
	reply.Bytestream = &stanza.BytestreamQuery{StreamHosts: []stanza.StreamHost{srv.StreamHost()}}
	srv.send(reply)
}

func (srv *Server) handleActivate(iq *stanza.IQ) {
	q := iq.Bytestream
	fields := logrus.Fields{
		"function":   "Server.handleActivate",
		"session_id": q.SID,
		"initiator":  iq.From.String(),
		"target":     q.Activate,
	}

	target, err := jid.Parse(q.Activate)
	if err != nil || q.SID == "" {
		srv.send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeModify, stanza.CondBadRequest, "invalid activation request")))
		return
	}
	dst := socks5.DestinationAddr(q.SID, iq.From, target)

	srv.mu.Lock()
	p, ok := srv.waiting[dst]
	if !ok || len(p.conns) != 2 {
		srv.mu.Unlock()
		logrus.WithFields(fields).Warn("Activation requested before both parties connected")
		srv.send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondItemNotFound, "bytestream not ready")))
		return
	}
	delete(srv.waiting, dst)
	a, b := p.conns[0], p.conns[1]
	srv.active[a] = struct{}{}
	srv.active[b] = struct{}{}
	srv.wg.Add(1)
	srv.mu.Unlock()

	go srv.splice(a, b)

	logrus.WithFields(fields).Info("Bytestream activated")
	srv.send(iq.Reply())
}

func (srv *Server) send(iq *stanza.IQ) {
	if err := srv.stream.Send(iq); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.send",
			"to":       iq.To.String(),
			"error":    err.Error(),
		}).Debug("Proxy failed to send reply")
	}
}

func (srv *Server) acceptLoop() {
	defer srv.wg.Done()
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "Server.acceptLoop",
					"error":    err.Error(),
				}).Warn("Proxy accept failed")
			}
			return
		}
		srv.wg.Add(1)
		go srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	defer srv.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.HandshakeTimeout)
	dst, err := socks5.ServerHandshake(ctx, conn)
	cancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleConn",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Proxy handshake failed")
		conn.Close()
		return
	}

	srv.mu.Lock()
	p := srv.waiting[dst]
	if p == nil {
		p = &pending{}
		srv.waiting[dst] = p
	}
	refuse := srv.closed || len(p.conns) >= 2
	if !refuse {
		p.conns = append(p.conns, conn)
	}
	position := len(p.conns)
	srv.mu.Unlock()

	if refuse {
		_ = socks5.WriteReply(conn, socks5.ReplyGeneralFailure, dst)
		conn.Close()
		return
	}
	if err := socks5.WriteReply(conn, socks5.ReplySucceeded, dst); err != nil {
		srv.drop(dst, conn)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Server.handleConn",
		"remote":   conn.RemoteAddr().String(),
		"dst":      dst,
		"position": position,
	}).Debug("Proxy connection waiting for activation")
}

func (srv *Server) drop(dst string, conn net.Conn) {
	srv.mu.Lock()
	if p, ok := srv.waiting[dst]; ok {
		for i, c := range p.conns {
			if c == conn {
				p.conns = append(p.conns[:i], p.conns[i+1:]...)
				break
			}
		}
		if len(p.conns) == 0 {
			delete(srv.waiting, dst)
		}
	}
	srv.mu.Unlock()
	conn.Close()
}

// splice copies in both directions until both sides finish.
func (srv *Server) splice(a, b net.Conn) {
	defer srv.wg.Done()

	var wg sync.WaitGroup
	wg.Add(2)
	go pipe(&wg, a, b)
	go pipe(&wg, b, a)
	wg.Wait()

	a.Close()
	b.Close()

	srv.mu.Lock()
	delete(srv.active, a)
	delete(srv.active, b)
	srv.mu.Unlock()
}

func pipe(wg *sync.WaitGroup, dst, src net.Conn) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	} else {
		dst.Close()
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// String describes the proxy for logs.
func (srv *Server) String() string {
	return srv.address.String() + "@" + net.JoinHostPort(srv.host, strconv.Itoa(srv.ln.Addr().(*net.TCPAddr).Port))
}
