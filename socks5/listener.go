package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrListenerClosed is returned by Expect after Close.
var ErrListenerClosed = errors.New("socks5 listener closed")

// DefaultHandshakeTimeout bounds the server side of each inbound handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Listener is the local streamhost: it accepts inbound SOCKS5 connections
// and hands each one to the session expecting its destination hash.
// A Listener is shared by all sessions of a process.
type Listener struct {
	ln               net.Listener
	handshakeTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*expectation
	closed  bool

	wg sync.WaitGroup
}

// Listen opens a local streamhost on address (e.g. "0.0.0.0:0").
func Listen(address string) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen for streamhost connections: %w", err)
	}

	l := &Listener{
		ln:               ln,
		handshakeTimeout: DefaultHandshakeTimeout,
		pending:          make(map[string]*expectation),
	}

	logrus.WithFields(logrus.Fields{
		"function": "socks5.Listen",
		"address":  ln.Addr().String(),
	}).Info("Local streamhost listening")

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// expectation is one session waiting for its destination. Fields other
// than ch are guarded by the listener's mutex.
type expectation struct {
	ch        chan net.Conn
	cancelled bool
}

// Addr returns the bound TCP address.
func (l *Listener) Addr() *net.TCPAddr {
	return l.ln.Addr().(*net.TCPAddr)
}

// Expect registers interest in a connection for dst. The returned channel
// receives at most one connection whose handshake already succeeded. The
// cancel function must be called once the caller stops waiting; it closes
// a connection that was delivered but never taken.
func (l *Listener) Expect(dst string) (<-chan net.Conn, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, ErrListenerClosed
	}
	if _, exists := l.pending[dst]; exists {
		return nil, nil, fmt.Errorf("destination %s already expected", dst)
	}

	e := &expectation{ch: make(chan net.Conn, 1)}
	l.pending[dst] = e

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			e.cancelled = true
			if cur, ok := l.pending[dst]; ok && cur == e {
				delete(l.pending, dst)
			}
			l.mu.Unlock()
			select {
			case conn := <-e.ch:
				conn.Close()
			default:
			}
		})
	}
	return e.ch, cancel, nil
}

// Close stops accepting and waits for in-flight handshakes.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := l.pending
	l.pending = make(map[string]*expectation)
	l.mu.Unlock()

	err := l.ln.Close()
	l.wg.Wait()

	for _, e := range pending {
		select {
		case conn := <-e.ch:
			err = multierr.Append(err, conn.Close())
		default:
		}
	}
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "Listener.acceptLoop",
					"error":    err.Error(),
				}).Warn("Accept failed, stopping local streamhost")
			}
			return
		}
		l.wg.Add(1)
		go l.serve(conn)
	}
}

func (l *Listener) serve(conn net.Conn) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), l.handshakeTimeout)
	defer cancel()

	dst, err := ServerHandshake(ctx, conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listener.serve",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Inbound streamhost handshake failed")
		conn.Close()
		return
	}

	e := l.claim(dst)
	if e == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listener.serve",
			"remote":   conn.RemoteAddr().String(),
			"dst":      dst,
		}).Debug("No session expects destination, refusing")
		_ = WriteReply(conn, ReplyHostUnreachable, dst)
		conn.Close()
		return
	}

	if err := WriteReply(conn, ReplySucceeded, dst); err != nil {
		conn.Close()
		return
	}

	if !l.deliver(e, conn) {
		logrus.WithFields(logrus.Fields{
			"function": "Listener.serve",
			"remote":   conn.RemoteAddr().String(),
			"dst":      dst,
		}).Debug("Session stopped waiting before delivery, closing")
		conn.Close()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listener.serve",
		"remote":   conn.RemoteAddr().String(),
		"dst":      dst,
	}).Debug("Streamhost connection matched to session")
}

// claim removes and returns the expectation for dst, or nil.
func (l *Listener) claim(dst string) *expectation {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.pending[dst]
	if !ok {
		return nil
	}
	delete(l.pending, dst)
	return e
}

// deliver hands conn to e unless its session has cancelled. The send
// happens under the mutex so a cancel either sees the connection in the
// channel or makes deliver refuse it.
func (l *Listener) deliver(e *expectation, conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.cancelled {
		return false
	}
	e.ch <- conn
	return true
}
