package ibb

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/internal/clockctx"
	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/xferr"
)

// Sender streams data to a peer in lock-step.
type Sender struct {
	p Params

	mu        sync.Mutex
	state     State
	blockSize int
	sizes     []int
	sent      int64
	cancel    context.CancelFunc
	aborted   bool

	peerClosed chan struct{}
	closeOnce  sync.Once
	unregister func()
	abortOnce  sync.Once
}

// NewSender prepares a sender. It answers a close from the peer from this
// point on.
func NewSender(p Params) *Sender {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	p.Config = p.Config.withDefaults()

	s := &Sender{
		p:          p,
		state:      StateIdle,
		blockSize:  p.Config.BlockSize,
		peerClosed: make(chan struct{}),
	}
	s.unregister = p.Stream.Handle(matchSession(p.SID, p.Peer), s.handlePeer)
	return s
}

// State returns the current state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BlockSize returns the current block size.
func (s *Sender) BlockSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockSize
}

// ProposedSizes returns every block size proposed so far, in order.
func (s *Sender) ProposedSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sizes...)
}

// Send opens the stream, sends total bytes read from r and closes it.
func (s *Sender) Send(ctx context.Context, r io.Reader, total int64, progress ProgressFunc) error {
	const op = "ibb send"

	run, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer s.finish()

	if err := s.open(run); err != nil {
		return err
	}

	blockSize := s.BlockSize()
	buf := make([]byte, blockSize)
	var seq uint16

	for s.sent < total {
		select {
		case <-s.peerClosed:
			return s.fail(xferr.KindProtocol, op, nil).WithDetail(fmt.Sprintf("peer closed after %d of %d bytes", s.sent, total))
		default:
		}

		n := int64(blockSize)
		if remaining := total - s.sent; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return s.fail(xferr.KindProtocol, op, fmt.Errorf("read source: %w", err))
		}

		if err := s.sendChunk(run, seq, buf[:n]); err != nil {
			return err
		}

		s.mu.Lock()
		s.sent += n
		s.state = StateStreaming
		sent := s.sent
		s.mu.Unlock()

		if progress != nil {
			progress(sent)
		}
		seq++
	}

	return s.close(run)
}

func (s *Sender) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return nil, xferr.New(xferr.KindAborted, "ibb send", nil).WithPeer(s.p.Peer.String())
	}
	if s.state != StateIdle {
		return nil, xferr.New(xferr.KindProtocol, "ibb send", errors.New("sender already used"))
	}
	run, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return run, nil
}

func (s *Sender) finish() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.unregister()
}

// open negotiates the block size. Each refusal shrinks the proposal.
func (s *Sender) open(run context.Context) error {
	const op = "ibb open"

	size := s.BlockSize()
	for {
		if size < MinBlockSize {
			return s.fail(xferr.KindSizeNegotiation, op, nil).
				WithDetail(fmt.Sprintf("block size %d below minimum %d", size, MinBlockSize))
		}

		s.mu.Lock()
		s.blockSize = size
		s.sizes = append(s.sizes, size)
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":   "Sender.open",
			"session_id": s.p.SID,
			"peer":       s.p.Peer.String(),
			"block_size": size,
		}).Debug("Proposing in-band block size")

		wctx, cancel := clockctx.WithTimeout(run, s.p.Clock, s.p.Config.OpenTimeout)
		_, err := stanza.Request(wctx, s.p.Stream, &stanza.IQ{
			Type: stanza.TypeSet,
			To:   s.p.Peer,
			Open: &stanza.IBBOpen{BlockSize: size, SID: s.p.SID, Stanza: "iq"},
		})
		expired := clockctx.Expired(wctx)
		cancel()

		if err == nil {
			s.mu.Lock()
			s.state = StateOpen
			s.mu.Unlock()
			return nil
		}

		var se *stanza.StanzaError
		switch {
		case errors.As(err, &se) && se.Condition == stanza.CondResourceConstraint:
			next := size / 2
			if se.BlockSize > 0 && se.BlockSize < size {
				next = se.BlockSize
			}
			size = next
		case errors.As(err, &se) && (se.Condition == stanza.CondServiceUnavailable || se.Condition == stanza.CondFeatureNotImpl):
			return s.fail(xferr.KindCapabilityUnsupported, op, se).WithDetail(se.Detail())
		case errors.As(err, &se) && se.Condition == stanza.CondNotAcceptable:
			return s.fail(xferr.KindSizeNegotiation, op, se).WithDetail(se.Detail())
		case errors.As(err, &se):
			return s.fail(xferr.KindProtocol, op, se).WithDetail(se.Detail())
		case expired:
			return s.fail(xferr.KindTimeout, op, err).WithDetail("no reply to open request")
		default:
			return s.fail(xferr.KindProtocol, op, err)
		}
	}
}

func (s *Sender) sendChunk(run context.Context, seq uint16, chunk []byte) error {
	const op = "ibb data"

	wctx, cancel := clockctx.WithTimeout(run, s.p.Clock, s.p.Config.AckTimeout)
	defer cancel()

	_, err := stanza.Request(wctx, s.p.Stream, &stanza.IQ{
		Type: stanza.TypeSet,
		To:   s.p.Peer,
		Data: &stanza.IBBData{
			Seq:     seq,
			SID:     s.p.SID,
			Payload: base64.StdEncoding.EncodeToString(chunk),
		},
	})
	if err == nil {
		return nil
	}

	var se *stanza.StanzaError
	switch {
	case errors.As(err, &se) && se.Condition == stanza.CondUnexpectedRequest:
		return s.fail(xferr.KindSequenceViolation, op, se).WithDetail(se.Detail())
	case errors.As(err, &se):
		return s.fail(xferr.KindProtocol, op, se).WithDetail(se.Detail())
	case clockctx.Expired(wctx):
		return s.fail(xferr.KindTimeout, op, err).WithDetail(fmt.Sprintf("no acknowledgement for chunk %d", seq))
	default:
		return s.fail(xferr.KindProtocol, op, err)
	}
}

func (s *Sender) close(run context.Context) error {
	const op = "ibb close"

	select {
	case <-s.peerClosed:
		// The peer already closed after the last chunk.
	default:
		wctx, cancel := clockctx.WithTimeout(run, s.p.Clock, s.p.Config.AckTimeout)
		_, err := stanza.Request(wctx, s.p.Stream, &stanza.IQ{
			Type:  stanza.TypeSet,
			To:    s.p.Peer,
			Close: &stanza.IBBClose{SID: s.p.SID},
		})
		expired := clockctx.Expired(wctx)
		cancel()
		if err != nil {
			if expired {
				return s.fail(xferr.KindTimeout, op, err)
			}
			return s.fail(xferr.KindProtocol, op, err)
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	sent := s.sent
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Sender.close",
		"session_id": s.p.SID,
		"peer":       s.p.Peer.String(),
		"bytes":      sent,
	}).Info("In-band stream closed")
	return nil
}

// handlePeer answers a close sent by the receiver. Other requests for this
// session are not expected by a sender.
func (s *Sender) handlePeer(iq *stanza.IQ) {
	if iq.Close == nil {
		_ = s.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondBadRequest, "not a receiver")))
		return
	}
	_ = s.p.Stream.Send(iq.Reply())
	s.closeOnce.Do(func() { close(s.peerClosed) })
}

// Abort stops the transfer and tells the peer the stream is gone.
func (s *Sender) Abort() error {
	var err error
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		cancel := s.cancel
		started := s.state != StateIdle || cancel != nil
		if s.state != StateClosed {
			s.state = StateFailed
		}
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if started {
			err = s.p.Stream.Send(&stanza.IQ{
				ID:    stanza.NewID(),
				Type:  stanza.TypeSet,
				To:    s.p.Peer,
				Close: &stanza.IBBClose{SID: s.p.SID},
			})
		}
		s.unregister()
	})
	return err
}

func (s *Sender) fail(kind xferr.Kind, op string, cause error) *xferr.Error {
	s.mu.Lock()
	if s.aborted {
		kind = xferr.KindAborted
	}
	s.state = StateFailed
	s.mu.Unlock()

	xe := xferr.New(kind, op, cause).WithPeer(s.p.Peer.String())
	logrus.WithFields(logrus.Fields{
		"function":   "Sender.fail",
		"session_id": s.p.SID,
		"kind":       kind.String(),
		"error":      xe.Error(),
	}).Warn("In-band send failed")
	return xe
}
