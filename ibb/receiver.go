package ibb

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/internal/clockctx"
	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/xferr"
)

// inboxSize bounds requests queued before Receive consumes them. A sender
// keeps at most one request outstanding.
const inboxSize = 16

// Receiver accepts an in-band stream from one peer.
type Receiver struct {
	p Params

	inbox       chan *stanza.IQ
	arrived     chan struct{}
	arrivedOnce sync.Once

	mu        sync.Mutex
	state     State
	blockSize int
	received  int64
	expected  uint16
	cancel    context.CancelFunc
	aborted   bool

	unregister func()
	abortOnce  sync.Once
}

// NewReceiver starts listening for the peer's open request. Requests that
// arrive before Receive is called are queued.
func NewReceiver(p Params) *Receiver {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	p.Config = p.Config.withDefaults()

	r := &Receiver{
		p:       p,
		inbox:   make(chan *stanza.IQ, inboxSize),
		arrived: make(chan struct{}),
		state:   StateIdle,
	}
	r.unregister = p.Stream.Handle(matchSession(p.SID, p.Peer), r.enqueue)
	return r
}

func (r *Receiver) enqueue(iq *stanza.IQ) {
	select {
	case r.inbox <- iq:
		r.arrivedOnce.Do(func() { close(r.arrived) })
	default:
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeWait, stanza.CondResourceConstraint, "receiver busy")))
	}
}

// Arrived is closed once the peer's first request for the session has been
// queued.
func (r *Receiver) Arrived() <-chan struct{} {
	return r.arrived
}

// State returns the current state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// BlockSize returns the accepted block size, or zero before the open.
func (r *Receiver) BlockSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blockSize
}

// Receive processes the stream until it closes and returns the data. A
// negative total accepts any length.
func (r *Receiver) Receive(ctx context.Context, total int64, progress ProgressFunc) ([]byte, error) {
	run, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer r.finish()

	var buf bytes.Buffer
	for {
		wait := r.p.Config.IdleTimeout
		if r.State() == StateIdle {
			wait = r.p.Config.OpenTimeout
		}

		iq, err := r.next(run, wait)
		if err != nil {
			return nil, err
		}

		switch {
		case iq.Open != nil:
			if err := r.handleOpen(iq); err != nil {
				return nil, err
			}
		case iq.Data != nil:
			chunk, err := r.handleData(iq, total)
			if err != nil {
				return nil, err
			}
			buf.Write(chunk)
			if progress != nil {
				progress(int64(buf.Len()))
			}
		case iq.Close != nil:
			if err := r.handleClose(iq, total); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}
	}
}

func (r *Receiver) begin(ctx context.Context) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return nil, xferr.New(xferr.KindAborted, "ibb receive", nil).WithPeer(r.p.Peer.String())
	}
	if r.cancel != nil {
		return nil, xferr.New(xferr.KindProtocol, "ibb receive", errors.New("receiver already used"))
	}
	run, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	return run, nil
}

func (r *Receiver) finish() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
	r.unregister()
}

func (r *Receiver) next(run context.Context, wait time.Duration) (*stanza.IQ, error) {
	wctx, cancel := clockctx.WithTimeout(run, r.p.Clock, wait)
	defer cancel()

	select {
	case iq := <-r.inbox:
		return iq, nil
	case <-wctx.Done():
		if clockctx.Expired(wctx) {
			detail := "no chunk before idle timeout"
			if r.State() == StateIdle {
				detail = "no open request before deadline"
			}
			return nil, r.fail(xferr.KindTimeout, "ibb receive", xferr.ErrTimeout).WithDetail(detail)
		}
		return nil, r.fail(xferr.KindAborted, "ibb receive", context.Cause(run))
	}
}

// handleOpen accepts or refuses a block size proposal. A refusal leaves the
// receiver waiting for a smaller proposal.
func (r *Receiver) handleOpen(iq *stanza.IQ) error {
	const op = "ibb open"
	size := iq.Open.BlockSize

	if r.State() != StateIdle {
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondUnexpectedRequest, "stream already open")))
		return r.fail(xferr.KindSequenceViolation, op, nil).WithDetail("second open on an open stream")
	}

	if iq.Open.Stanza != "" && iq.Open.Stanza != "iq" {
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondFeatureNotImpl, "only iq stanzas supported")))
		return r.fail(xferr.KindCapabilityUnsupported, op, nil).WithDetail("message stanzas not supported")
	}

	if size < MinBlockSize {
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeModify, stanza.CondNotAcceptable, "block size below minimum")))
		return r.fail(xferr.KindSizeNegotiation, op, nil).
			WithDetail(fmt.Sprintf("proposed block size %d below minimum %d", size, MinBlockSize))
	}

	if size > r.p.Config.MaxBlockSize {
		se := stanza.NewError(stanza.ErrorTypeModify, stanza.CondResourceConstraint, "block size too large")
		se.BlockSize = r.p.Config.MaxBlockSize
		logrus.WithFields(logrus.Fields{
			"function":   "Receiver.handleOpen",
			"session_id": r.p.SID,
			"proposed":   size,
			"maximum":    r.p.Config.MaxBlockSize,
		}).Debug("Refusing in-band block size")
		return r.p.Stream.Send(iq.ErrorReply(se))
	}

	r.mu.Lock()
	r.blockSize = size
	r.state = StateOpen
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Receiver.handleOpen",
		"session_id": r.p.SID,
		"peer":       r.p.Peer.String(),
		"block_size": size,
	}).Info("In-band stream opened")
	return r.p.Stream.Send(iq.Reply())
}

func (r *Receiver) handleData(iq *stanza.IQ, total int64) ([]byte, error) {
	const op = "ibb data"

	r.mu.Lock()
	state := r.state
	expected := r.expected
	blockSize := r.blockSize
	received := r.received
	r.mu.Unlock()

	if state == StateIdle {
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondItemNotFound, "stream not open")))
		return nil, r.fail(xferr.KindSequenceViolation, op, nil).WithDetail("data before open")
	}

	if iq.Data.Seq != expected {
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondUnexpectedRequest, "out of sequence")))
		return nil, r.fail(xferr.KindSequenceViolation, op, nil).
			WithDetail(fmt.Sprintf("expected chunk %d, got %d", expected, iq.Data.Seq))
	}

	chunk, err := base64.StdEncoding.DecodeString(strings.TrimSpace(iq.Data.Payload))
	if err != nil {
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeCancel, stanza.CondBadRequest, "invalid base64")))
		return nil, r.fail(xferr.KindProtocol, op, err)
	}
	if len(chunk) > blockSize {
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeModify, stanza.CondBadRequest, "chunk exceeds block size")))
		return nil, r.fail(xferr.KindProtocol, op, nil).
			WithDetail(fmt.Sprintf("chunk of %d bytes exceeds block size %d", len(chunk), blockSize))
	}
	if total >= 0 && received+int64(len(chunk)) > total {
		_ = r.p.Stream.Send(iq.ErrorReply(stanza.NewError(stanza.ErrorTypeModify, stanza.CondNotAcceptable, "more data than declared")))
		return nil, r.fail(xferr.KindProtocol, op, nil).
			WithDetail(fmt.Sprintf("received more than the declared %d bytes", total))
	}

	r.mu.Lock()
	r.expected++
	r.received += int64(len(chunk))
	r.state = StateStreaming
	r.mu.Unlock()

	if err := r.p.Stream.Send(iq.Reply()); err != nil {
		return nil, r.fail(xferr.KindProtocol, op, err)
	}
	return chunk, nil
}

func (r *Receiver) handleClose(iq *stanza.IQ, total int64) error {
	const op = "ibb close"

	_ = r.p.Stream.Send(iq.Reply())

	r.mu.Lock()
	received := r.received
	r.mu.Unlock()

	if total >= 0 && received != total {
		return r.fail(xferr.KindProtocol, op, nil).
			WithDetail(fmt.Sprintf("stream closed after %d of %d bytes", received, total))
	}

	r.mu.Lock()
	r.state = StateClosed
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Receiver.handleClose",
		"session_id": r.p.SID,
		"peer":       r.p.Peer.String(),
		"bytes":      received,
	}).Info("In-band stream closed")
	return nil
}

// Abort stops receiving and closes the stream towards the peer.
func (r *Receiver) Abort() error {
	var err error
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.aborted = true
		cancel := r.cancel
		open := r.state == StateOpen || r.state == StateStreaming
		if r.state != StateClosed {
			r.state = StateFailed
		}
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if open {
			err = r.p.Stream.Send(&stanza.IQ{
				ID:    stanza.NewID(),
				Type:  stanza.TypeSet,
				To:    r.p.Peer,
				Close: &stanza.IBBClose{SID: r.p.SID},
			})
		}
		r.unregister()
	})
	return err
}

func (r *Receiver) fail(kind xferr.Kind, op string, cause error) *xferr.Error {
	r.mu.Lock()
	if r.aborted {
		kind = xferr.KindAborted
	}
	r.state = StateFailed
	r.mu.Unlock()

	xe := xferr.New(kind, op, cause).WithPeer(r.p.Peer.String())
	logrus.WithFields(logrus.Fields{
		"function":   "Receiver.fail",
		"session_id": r.p.SID,
		"kind":       kind.String(),
		"error":      xe.Error(),
	}).Warn("In-band receive failed")
	return xe
}
