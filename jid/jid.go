// Package jid implements XMPP endpoint addresses (local@domain/resource).
//
// Two addresses are equal only when their full string forms are identical.
// A bare address (no resource) matches any full address sharing its local
// part and domain, which is how proxy and server JIDs are resolved.
package jid

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyDomain is returned when an address has no domain part.
var ErrEmptyDomain = errors.New("jid: empty domain")

// ErrInvalidJID is returned for syntactically malformed addresses.
var ErrInvalidJID = errors.New("jid: invalid address")

// JID is an XMPP address. The zero value is an empty address.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// Parse splits s into local part, domain and resource.
func Parse(s string) (JID, error) {
	if s == "" {
		return JID{}, ErrEmptyDomain
	}

	var j JID
	rest := s
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		j.Resource = rest[i+1:]
		rest = rest[:i]
		if j.Resource == "" {
			return JID{}, fmt.Errorf("%w: empty resource in %q", ErrInvalidJID, s)
		}
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		j.Local = rest[:i]
		rest = rest[i+1:]
		if j.Local == "" {
			return JID{}, fmt.Errorf("%w: empty local part in %q", ErrInvalidJID, s)
		}
	}
	if rest == "" {
		return JID{}, ErrEmptyDomain
	}
	if strings.ContainsAny(rest, "@/") {
		return JID{}, fmt.Errorf("%w: %q", ErrInvalidJID, s)
	}
	j.Domain = strings.ToLower(rest)
	return j, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// String returns the full textual form of the address.
func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// Bare returns the address without its resource.
func (j JID) Bare() JID {
	return JID{Local: j.Local, Domain: j.Domain}
}

// IsBare reports whether the address carries no resource.
func (j JID) IsBare() bool { return j.Resource == "" }

// IsZero reports whether the address is empty.
func (j JID) IsZero() bool { return j.Domain == "" }

// Equal compares full string identity.
func (j JID) Equal(other JID) bool {
	return j.String() == other.String()
}

// Matches reports whether other is addressed by j. A bare j matches any
// resource of the same local part and domain; a full j requires equality.
func (j JID) Matches(other JID) bool {
	if j.IsBare() {
		return j.Local == other.Local && j.Domain == other.Domain
	}
	return j.Equal(other)
}

// MarshalText implements encoding.TextMarshaler so JIDs can be used
// directly as XML attributes.
func (j JID) MarshalText() ([]byte, error) {
	return []byte(j.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (j *JID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// MarshalXMLAttr omits the attribute entirely for the zero address.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr implements xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	return j.UnmarshalText([]byte(attr.Value))
}
