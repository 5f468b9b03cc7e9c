package stanza

import (
	"github.com/opd-ai/xmppft/jid"
)

// BytestreamQuery is the <query xmlns='http://jabber.org/protocol/bytestreams'/>
// payload used for streamhost offers, results, proxy address discovery and
// proxy activation.
type BytestreamQuery struct {
	SID            string          `xml:"sid,attr,omitempty"`
	Mode           string          `xml:"mode,attr,omitempty"`
	StreamHosts    []StreamHost    `xml:"streamhost"`
	StreamHostUsed *StreamHostUsed `xml:"streamhost-used,omitempty"`
	Activate       string          `xml:"activate,omitempty"`
}

// StreamHost is a candidate endpoint offered by the initiator or
// advertised by a proxy.
type StreamHost struct {
	JID  jid.JID `xml:"jid,attr"`
	Host string  `xml:"host,attr,omitempty"`
	Port int     `xml:"port,attr,omitempty"`
}

// StreamHostUsed names the streamhost the target connected to.
type StreamHostUsed struct {
	JID jid.JID `xml:"jid,attr"`
}

// IBBOpen requests an in-band bytestream.
type IBBOpen struct {
	BlockSize int    `xml:"block-size,attr"`
	SID       string `xml:"sid,attr,omitempty"`
	Stanza    string `xml:"stanza,attr,omitempty"`
}

// IBBData carries one base64 encoded chunk.
type IBBData struct {
	Seq     uint16 `xml:"seq,attr"`
	SID     string `xml:"sid,attr"`
	Payload string `xml:",chardata"`
}

// IBBClose ends an in-band bytestream.
type IBBClose struct {
	SID string `xml:"sid,attr"`
}

// DiscoInfo is a service discovery info query or result.
type DiscoInfo struct {
	Node       string          `xml:"node,attr,omitempty"`
	Identities []DiscoIdentity `xml:"identity"`
	Features   []DiscoFeature  `xml:"feature"`
}

// DiscoIdentity describes an entity.
type DiscoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

// DiscoFeature is one advertised protocol namespace.
type DiscoFeature struct {
	Var string `xml:"var,attr"`
}

// HasFeature reports whether the result advertises ns.
func (d *DiscoInfo) HasFeature(ns string) bool {
	if d == nil {
		return false
	}
	for _, f := range d.Features {
		if f.Var == ns {
			return true
		}
	}
	return false
}

// SI is a stream initiation element.
type SI struct {
	ID       string      `xml:"id,attr,omitempty"`
	MIMEType string      `xml:"mime-type,attr,omitempty"`
	Profile  string      `xml:"profile,attr,omitempty"`
	File     *SIFile     `xml:"http://jabber.org/protocol/si/profile/file-transfer file,omitempty"`
	Feature  *FeatureNeg `xml:"http://jabber.org/protocol/feature-neg feature,omitempty"`
}

// SIFile describes the file offered for transfer.
type SIFile struct {
	Name  string   `xml:"name,attr"`
	Size  int64    `xml:"size,attr"`
	Hash  string   `xml:"hash,attr,omitempty"`
	Date  string   `xml:"date,attr,omitempty"`
	Desc  string   `xml:"desc,omitempty"`
	Range *SIRange `xml:"range,omitempty"`
}

// SIRange advertises support for ranged transfers.
type SIRange struct {
	Offset int64 `xml:"offset,attr,omitempty"`
	Length int64 `xml:"length,attr,omitempty"`
}

// FeatureNeg wraps a data form used for feature negotiation.
type FeatureNeg struct {
	Form DataForm `xml:"jabber:x:data x"`
}

// DataForm is a jabber:x:data form.
type DataForm struct {
	Type   string      `xml:"type,attr"`
	Fields []FormField `xml:"field"`
}

// FormField is one field of a data form.
type FormField struct {
	Var     string       `xml:"var,attr"`
	Type    string       `xml:"type,attr,omitempty"`
	Options []FormOption `xml:"option"`
	Values  []string     `xml:"value"`
}

// FormOption is one selectable option of a list field.
type FormOption struct {
	Value string `xml:"value"`
}

// Field returns the named field or nil.
func (f *DataForm) Field(name string) *FormField {
	for i := range f.Fields {
		if f.Fields[i].Var == name {
			return &f.Fields[i]
		}
	}
	return nil
}
