// Package ibb implements in-band bytestreams: data carried as base64
// chunks inside IQ stanzas, acknowledged one at a time.
//
// A Sender proposes a block size when opening. A Receiver may refuse with
// resource-constraint, optionally naming the largest size it accepts; the
// sender then retries with that size, or half the current one when none is
// named. Sizes only ever shrink and never fall below MinBlockSize.
package ibb

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

// Block size limits in bytes of raw (unencoded) data per chunk.
const (
	MinBlockSize     = 4096
	MaxBlockSize     = 65535
	DefaultBlockSize = MaxBlockSize
)

// State is the lifecycle state of a sender or receiver.
type State uint8

const (
	StateIdle State = iota
	StateOpen
	StateStreaming
	StateClosed
	StateFailed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOpen:
		return "Open"
	case StateStreaming:
		return "Streaming"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Config bounds block sizes and waits.
type Config struct {
	// BlockSize is the size a sender proposes.
	BlockSize int
	// MaxBlockSize is the largest size a receiver accepts.
	MaxBlockSize int

	// OpenTimeout bounds the sender's wait for an open reply and the
	// receiver's wait for the open request.
	OpenTimeout time.Duration
	// AckTimeout bounds the sender's wait for each chunk acknowledgement.
	AckTimeout time.Duration
	// IdleTimeout bounds the receiver's wait for the next chunk.
	IdleTimeout time.Duration
}

// DefaultConfig returns the sizes and timeouts used when none are set.
func DefaultConfig() Config {
	return Config{
		BlockSize:    DefaultBlockSize,
		MaxBlockSize: MaxBlockSize,
		OpenTimeout:  30 * time.Second,
		AckTimeout:   30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.BlockSize > MaxBlockSize {
		c.BlockSize = MaxBlockSize
	}
	if c.MaxBlockSize == 0 || c.MaxBlockSize > MaxBlockSize {
		c.MaxBlockSize = d.MaxBlockSize
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

// Params are the collaborators of a sender or receiver.
type Params struct {
	SID    string
	Local  jid.JID
	Peer   jid.JID
	Stream stanza.Stream
	Config Config
	Clock  clock.Clock
}

// ProgressFunc receives the cumulative byte count after every chunk.
type ProgressFunc func(transferred int64)

// IsOpen reports whether iq requests an in-band bytestream.
func IsOpen(iq *stanza.IQ) bool {
	return iq != nil && iq.Type == stanza.TypeSet && iq.Open != nil && iq.Open.SID != ""
}

// matchSession selects in-band requests for sid sent by peer.
func matchSession(sid string, peer jid.JID) stanza.Matcher {
	return stanza.MatchRequest(func(iq *stanza.IQ) bool {
		if iq.Type != stanza.TypeSet || !iq.From.Equal(peer) {
			return false
		}
		switch {
		case iq.Open != nil:
			return iq.Open.SID == sid
		case iq.Data != nil:
			return iq.Data.SID == sid
		case iq.Close != nil:
			return iq.Close.SID == sid
		default:
			return false
		}
	})
}
