// Package stanza defines the XMPP IQ stanzas exchanged during bytestream
// negotiation, in-band transfer and stream initiation, together with the
// Stream interface through which they are sent and received.
package stanza

import (
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"github.com/opd-ai/xmppft/jid"
)

// Namespaces used on the wire.
const (
	NSClient      = "jabber:client"
	NSStanzas     = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSBytestreams = "http://jabber.org/protocol/bytestreams"
	NSIBB         = "http://jabber.org/protocol/ibb"
	NSSI          = "http://jabber.org/protocol/si"
	NSSIFile      = "http://jabber.org/protocol/si/profile/file-transfer"
	NSFeatureNeg  = "http://jabber.org/protocol/feature-neg"
	NSDataForm    = "jabber:x:data"
	NSDiscoInfo   = "http://jabber.org/protocol/disco#info"
)

// IQType is the type attribute of an IQ stanza.
type IQType string

// IQ types.
const (
	TypeGet    IQType = "get"
	TypeSet    IQType = "set"
	TypeResult IQType = "result"
	TypeError  IQType = "error"
)

// IsRequest reports whether the type expects a reply.
func (t IQType) IsRequest() bool { return t == TypeGet || t == TypeSet }

// IQ is an info/query stanza. At most one payload field is set.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr,omitempty"`
	Type    IQType   `xml:"type,attr"`
	From    jid.JID  `xml:"from,attr"`
	To      jid.JID  `xml:"to,attr"`

	Bytestream *BytestreamQuery `xml:"http://jabber.org/protocol/bytestreams query,omitempty"`
	Disco      *DiscoInfo       `xml:"http://jabber.org/protocol/disco#info query,omitempty"`
	Open       *IBBOpen         `xml:"http://jabber.org/protocol/ibb open,omitempty"`
	Data       *IBBData         `xml:"http://jabber.org/protocol/ibb data,omitempty"`
	Close      *IBBClose        `xml:"http://jabber.org/protocol/ibb close,omitempty"`
	SI         *SI              `xml:"http://jabber.org/protocol/si si,omitempty"`
	Error      *StanzaError     `xml:"error,omitempty"`
}

// NewID returns a fresh random stanza / session identifier.
func NewID() string {
	return uuid.NewString()
}

// Reply builds a result IQ addressed back to the sender of iq.
func (iq *IQ) Reply() *IQ {
	return &IQ{ID: iq.ID, Type: TypeResult, From: iq.To, To: iq.From}
}

// ErrorReply builds an error IQ addressed back to the sender of iq.
func (iq *IQ) ErrorReply(se *StanzaError) *IQ {
	return &IQ{ID: iq.ID, Type: TypeError, From: iq.To, To: iq.From, Error: se}
}

// Payload names the payload carried, for logging.
func (iq *IQ) Payload() string {
	switch {
	case iq.Bytestream != nil:
		return "bytestreams"
	case iq.Disco != nil:
		return "disco#info"
	case iq.Open != nil:
		return "ibb-open"
	case iq.Data != nil:
		return "ibb-data"
	case iq.Close != nil:
		return "ibb-close"
	case iq.SI != nil:
		return "si"
	case iq.Error != nil:
		return "error"
	default:
		return "empty"
	}
}

// Marshal encodes iq to its XML wire form.
func Marshal(iq *IQ) ([]byte, error) {
	data, err := xml.Marshal(iq)
	if err != nil {
		return nil, fmt.Errorf("marshal iq %s: %w", iq.ID, err)
	}
	return data, nil
}

// Unmarshal decodes an IQ from its XML wire form.
func Unmarshal(data []byte) (*IQ, error) {
	iq := &IQ{}
	if err := xml.Unmarshal(data, iq); err != nil {
		return nil, fmt.Errorf("unmarshal iq: %w", err)
	}
	return iq, nil
}
