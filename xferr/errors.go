// Package xferr defines the failure taxonomy shared by the bytestream,
// in-band and file transfer packages.
package xferr

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind uint8

const (
	// KindUnknown is used for errors that do not carry a taxonomy kind.
	KindUnknown Kind = iota
	// KindCapabilityUnsupported means the peer lacks the transport method.
	KindCapabilityUnsupported
	// KindCandidateExhausted means no streamhost was reachable.
	KindCandidateExhausted
	// KindHandshake means a malformed or negative SOCKS5 response.
	KindHandshake
	// KindActivationTimeout means the proxy did not confirm activation in time.
	KindActivationTimeout
	// KindSequenceViolation means an in-band chunk arrived out of order or after close.
	KindSequenceViolation
	// KindSizeNegotiation means the block size fell below the floor.
	KindSizeNegotiation
	// KindDeclined means the stream initiation offer was rejected.
	KindDeclined
	// KindAborted means the caller aborted the session.
	KindAborted
	// KindTimeout means a bounded wait expired without a definitive reply.
	KindTimeout
	// KindHashMismatch means the received data did not match the offered hash.
	KindHashMismatch
	// KindProtocol means the peer sent something that violates the protocol.
	KindProtocol
)

// Sentinel errors, one per kind. Use errors.Is to test for a kind.
var (
	ErrCapabilityUnsupported = errors.New("peer does not support transport method")
	ErrCandidateExhausted    = errors.New("no streamhost candidate reachable")
	ErrHandshake             = errors.New("socks5 handshake failed")
	ErrActivationTimeout     = errors.New("proxy activation failed")
	ErrSequenceViolation     = errors.New("chunk sequence violation")
	ErrSizeNegotiation       = errors.New("block size negotiation failed")
	ErrDeclined              = errors.New("offer declined")
	ErrAborted               = errors.New("session aborted")
	ErrTimeout               = errors.New("operation timed out")
	ErrHashMismatch          = errors.New("data hash mismatch")
	ErrProtocol              = errors.New("protocol error")
)

var kindSentinels = map[Kind]error{
	KindCapabilityUnsupported: ErrCapabilityUnsupported,
	KindCandidateExhausted:    ErrCandidateExhausted,
	KindHandshake:             ErrHandshake,
	KindActivationTimeout:     ErrActivationTimeout,
	KindSequenceViolation:     ErrSequenceViolation,
	KindSizeNegotiation:       ErrSizeNegotiation,
	KindDeclined:              ErrDeclined,
	KindAborted:               ErrAborted,
	KindTimeout:               ErrTimeout,
	KindHashMismatch:          ErrHashMismatch,
	KindProtocol:              ErrProtocol,
}

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCapabilityUnsupported:
		return "CapabilityUnsupported"
	case KindCandidateExhausted:
		return "CandidateExhausted"
	case KindHandshake:
		return "HandshakeError"
	case KindActivationTimeout:
		return "ActivationTimeout"
	case KindSequenceViolation:
		return "SequenceViolation"
	case KindSizeNegotiation:
		return "SizeNegotiationFailed"
	case KindDeclined:
		return "Declined"
	case KindAborted:
		return "Aborted"
	case KindTimeout:
		return "Timeout"
	case KindHashMismatch:
		return "HashMismatch"
	case KindProtocol:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether a failure of this kind within one transport
// method should trigger fallback to the next offered method.
func (k Kind) Recoverable() bool {
	return k == KindCapabilityUnsupported || k == KindCandidateExhausted
}

// Error carries a failure kind with operation context and, where available,
// the error detail supplied by the peer.
type Error struct {
	Kind   Kind
	Op     string // operation that failed
	Peer   string // remote address if relevant
	Detail string // peer-supplied error detail
	Err    error  // underlying cause
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Peer != "" {
		msg += " (" + e.Peer + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New creates an Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// WithPeer sets the peer address and returns e.
func (e *Error) WithPeer(peer string) *Error {
	e.Peer = peer
	return e
}

// WithDetail sets the peer-supplied detail and returns e.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// KindOf extracts the failure kind from err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsRecoverable reports whether err should trigger transport fallback.
func IsRecoverable(err error) bool {
	return KindOf(err).Recoverable()
}
