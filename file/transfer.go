package file

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

// ErrDirectoryTraversal indicates a file name that names a path.
var ErrDirectoryTraversal = errors.New("file name contains a path")

// ErrFileNameTooLong indicates that a file name exceeds the maximum allowed length.
var ErrFileNameTooLong = errors.New("file name too long")

// ErrEmptyFileName indicates an offer without a file name.
var ErrEmptyFileName = errors.New("file name is empty")

// MaxFileNameLength is the maximum allowed file name length in bytes.
const MaxFileNameLength = 255

// Direction indicates whether a transfer is incoming or outgoing.
type Direction uint8

const (
	// DirectionIncoming represents a file being received.
	DirectionIncoming Direction = iota
	// DirectionOutgoing represents a file being sent.
	DirectionOutgoing
)

// String returns the name of the direction.
func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// State represents the current state of a file transfer.
type State uint8

const (
	// StatePending indicates the offer awaits the peer's decision.
	StatePending State = iota
	// StateNegotiating indicates the offer was accepted and a transport is
	// being established.
	StateNegotiating
	// StateRunning indicates data is flowing.
	StateRunning
	// StateCompleted indicates the transfer has finished successfully.
	StateCompleted
	// StateDeclined indicates the peer rejected the offer.
	StateDeclined
	// StateCancelled indicates the transfer was cancelled locally.
	StateCancelled
	// StateError indicates the transfer failed.
	StateError
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateNegotiating:
		return "Negotiating"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateDeclined:
		return "Declined"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Error"
	}
}

// Terminal reports whether the transfer has ended.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Method names a stream method by its protocol namespace.
type Method string

// Supported stream methods.
const (
	MethodBytestreams Method = stanza.NSBytestreams
	MethodIBB         Method = stanza.NSIBB
)

// DefaultMethods is the preference order used when an offer names none.
var DefaultMethods = []Method{MethodBytestreams, MethodIBB}

// String returns a short name for logs.
func (m Method) String() string {
	switch m {
	case MethodBytestreams:
		return "bytestreams"
	case MethodIBB:
		return "ibb"
	default:
		return string(m)
	}
}

func supported(m Method) bool {
	return m == MethodBytestreams || m == MethodIBB
}

// Metadata describes the offered file.
type Metadata struct {
	Name        string
	Size        int64
	Description string
	MIMEType    string
	// Hash is the lowercase hex MD5 of the content. Outgoing offers compute
	// it when empty.
	Hash string
	Date time.Time
	// Ranged advertises support for ranged requests. Requests are still
	// served as whole files.
	Ranged bool
}

// ValidateName checks that name is a plain file name without directory
// components and returns it unchanged.
func ValidateName(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyFileName
	}
	if len(name) > MaxFileNameLength {
		return "", ErrFileNameTooLong
	}
	if strings.ContainsAny(name, `/\`) || name == ".." || name == "." || filepath.Base(name) != name {
		return "", ErrDirectoryTraversal
	}
	return name, nil
}

// Snapshot is a consistent copy of a transfer's observable state.
type Snapshot struct {
	ID          string
	Peer        jid.JID
	Direction   Direction
	Meta        Metadata
	State       State
	Method      Method
	FellBack    bool
	Transferred int64
	StartTime   time.Time
	EndTime     time.Time
	// Speed is a moving average in bytes per second.
	Speed float64
	Err   error
}

// Progress returns the completed share in percent.
func (s Snapshot) Progress() float64 {
	if s.Meta.Size <= 0 {
		return 0
	}
	return float64(s.Transferred) / float64(s.Meta.Size) * 100
}

// Transfer is one file transfer with a single peer. Its state is driven by
// one goroutine owned by the Manager; accessors are safe for concurrent use.
type Transfer struct {
	id        string
	peer      jid.JID
	direction Direction
	meta      Metadata
	clock     clock.Clock

	mu            sync.Mutex
	state         State
	method        Method
	fellBack      bool
	transferred   int64
	startTime     time.Time
	endTime       time.Time
	lastChunkTime time.Time
	speed         float64
	err           error
	data          []byte
	abort         func()

	done chan struct{}
}

func newTransfer(id string, peer jid.JID, direction Direction, meta Metadata, clk clock.Clock) *Transfer {
	logrus.WithFields(logrus.Fields{
		"function":   "newTransfer",
		"session_id": id,
		"peer":       peer.String(),
		"file_name":  meta.Name,
		"file_size":  meta.Size,
		"direction":  direction.String(),
	}).Info("Creating file transfer")

	now := clk.Now()
	return &Transfer{
		id:            id,
		peer:          peer,
		direction:     direction,
		meta:          meta,
		clock:         clk,
		state:         StatePending,
		startTime:     now,
		lastChunkTime: now,
		done:          make(chan struct{}),
	}
}

// ID returns the stream initiation id, which is also the transport session id.
func (t *Transfer) ID() string { return t.id }

// Peer returns the remote party.
func (t *Transfer) Peer() jid.JID { return t.peer }

// Direction returns whether the file is sent or received.
func (t *Transfer) Direction() Direction { return t.direction }

// Metadata returns the offered file description.
func (t *Transfer) Metadata() Metadata { return t.meta }

// Done is closed when the transfer reaches a terminal state.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Err returns the failure of a finished transfer, or nil.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Data returns the received content of a completed incoming transfer.
func (t *Transfer) Data() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCompleted {
		return nil
	}
	return t.data
}

// Snapshot returns a copy of the observable state.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:          t.id,
		Peer:        t.peer,
		Direction:   t.direction,
		Meta:        t.meta,
		State:       t.state,
		Method:      t.method,
		FellBack:    t.fellBack,
		Transferred: t.transferred,
		StartTime:   t.startTime,
		EndTime:     t.endTime,
		Speed:       t.speed,
		Err:         t.err,
	}
}

// EstimatedTimeRemaining extrapolates from the current speed.
func (t *Transfer) EstimatedTimeRemaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRunning || t.speed <= 0 {
		return 0
	}
	remaining := t.meta.Size - t.transferred
	return time.Duration(float64(remaining) / t.speed * float64(time.Second))
}

// Cancel aborts the transfer. The transfer ends in StateCancelled unless
// it had already finished.
func (t *Transfer) Cancel() error {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return errors.New("transfer already finished")
	}
	abort := t.abort
	t.mu.Unlock()

	if abort != nil {
		abort()
	}
	return nil
}

func (t *Transfer) setAbort(abort func()) {
	t.mu.Lock()
	t.abort = abort
	t.mu.Unlock()
}

func (t *Transfer) setState(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = next
	return true
}

func (t *Transfer) setMethod(m Method, fellBack bool) {
	t.mu.Lock()
	t.method = m
	t.fellBack = t.fellBack || fellBack
	t.mu.Unlock()
}

// resetProgress discards the count of an abandoned transport.
func (t *Transfer) resetProgress() {
	t.mu.Lock()
	t.transferred = 0
	t.speed = 0
	t.lastChunkTime = t.clock.Now()
	t.mu.Unlock()
}

// advance records cumulative progress and reports whether it was accepted.
func (t *Transfer) advance(total int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	delta := total - t.transferred
	t.transferred = total
	t.updateSpeed(delta)
	return true
}

// updateSpeed keeps an exponential moving average of the chunk rate.
func (t *Transfer) updateSpeed(chunk int64) {
	now := t.clock.Now()
	duration := now.Sub(t.lastChunkTime).Seconds()

	if duration > 0 && chunk > 0 {
		instant := float64(chunk) / duration
		if t.speed == 0 {
			t.speed = instant
		} else {
			t.speed = 0.7*t.speed + 0.3*instant
		}
	}
	t.lastChunkTime = now
}

// finish moves the transfer to a terminal state once. It reports whether
// this call did so.
func (t *Transfer) finish(state State, err error, data []byte) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.err = err
	t.data = data
	t.endTime = t.clock.Now()
	t.abort = nil
	t.mu.Unlock()

	close(t.done)
	return true
}
