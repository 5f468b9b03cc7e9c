package stanza

import (
	"encoding/xml"
	"fmt"
)

// Error types.
const (
	ErrorTypeCancel   = "cancel"
	ErrorTypeModify   = "modify"
	ErrorTypeWait     = "wait"
	ErrorTypeAuth     = "auth"
	ErrorTypeContinue = "continue"
)

// Defined conditions used by this module.
const (
	CondBadRequest          = "bad-request"
	CondConflict            = "conflict"
	CondForbidden           = "forbidden"
	CondItemNotFound        = "item-not-found"
	CondNotAcceptable       = "not-acceptable"
	CondResourceConstraint  = "resource-constraint"
	CondServiceUnavailable  = "service-unavailable"
	CondUnexpectedRequest   = "unexpected-request"
	CondRemoteServerTimeout = "remote-server-timeout"
	CondFeatureNotImpl      = "feature-not-implemented"
	CondUndefined           = "undefined-condition"
)

// StanzaError is the <error/> child of an error IQ. It also implements
// the error interface so a peer error can be returned directly.
type StanzaError struct {
	Type      string
	Code      string
	Condition string
	Text      string

	// AppCondition is an optional application-specific condition element,
	// e.g. {http://jabber.org/protocol/si no-valid-streams}.
	AppCondition xml.Name

	// BlockSize carries the receiver's acceptable in-band block size when
	// it rejects an open request with resource-constraint.
	BlockSize int
}

// NewError constructs a stanza error.
func NewError(errType, condition, text string) *StanzaError {
	return &StanzaError{Type: errType, Condition: condition, Text: text}
}

func (e *StanzaError) Error() string {
	msg := fmt.Sprintf("stanza error %s/%s", e.Type, e.Condition)
	if e.AppCondition.Local != "" {
		msg += " (" + e.AppCondition.Local + ")"
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return msg
}

// Detail returns the most descriptive peer-supplied text available.
func (e *StanzaError) Detail() string {
	if e.Text != "" {
		return e.Text
	}
	if e.AppCondition.Local != "" {
		return e.AppCondition.Local
	}
	return e.Condition
}

// MarshalXML writes the condition as an element in the stanzas namespace.
func (e *StanzaError) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "error"}
	start.Attr = nil
	if e.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: e.Type})
	}
	if e.Code != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "code"}, Value: e.Code})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Condition != "" {
		if err := encodeEmpty(enc, xml.Name{Space: NSStanzas, Local: e.Condition}); err != nil {
			return err
		}
	}
	if e.Text != "" {
		if err := enc.EncodeElement(e.Text, xml.StartElement{Name: xml.Name{Space: NSStanzas, Local: "text"}}); err != nil {
			return err
		}
	}
	if e.AppCondition.Local != "" {
		if err := encodeEmpty(enc, e.AppCondition); err != nil {
			return err
		}
	}
	if e.BlockSize > 0 {
		hint := &IBBOpen{BlockSize: e.BlockSize}
		if err := enc.EncodeElement(hint, xml.StartElement{Name: xml.Name{Space: NSIBB, Local: "open"}}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// UnmarshalXML reads the condition element name and optional children.
func (e *StanzaError) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "type":
			e.Type = attr.Value
		case "code":
			e.Code = attr.Value
		}
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Space == NSStanzas && t.Name.Local == "text":
				if err := dec.DecodeElement(&e.Text, &t); err != nil {
					return err
				}
			case t.Name.Space == NSStanzas:
				e.Condition = t.Name.Local
				if err := dec.Skip(); err != nil {
					return err
				}
			case t.Name.Space == NSIBB && t.Name.Local == "open":
				var hint IBBOpen
				if err := dec.DecodeElement(&hint, &t); err != nil {
					return err
				}
				e.BlockSize = hint.BlockSize
			default:
				e.AppCondition = t.Name
				if err := dec.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

func encodeEmpty(enc *xml.Encoder, name xml.Name) error {
	el := xml.StartElement{Name: name}
	if err := enc.EncodeToken(el); err != nil {
		return err
	}
	return enc.EncodeToken(el.End())
}
