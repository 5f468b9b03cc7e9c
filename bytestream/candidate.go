package bytestream

import (
	"net"
	"sort"
	"strconv"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

// CandidateKind orders streamhost candidates by preference.
type CandidateKind uint8

const (
	// KindLocal is the initiator's own listener on a local interface.
	KindLocal CandidateKind = iota
	// KindMapped is the local listener reached through a NAT port mapping.
	KindMapped
	// KindProxy is a SOCKS5 bytestream proxy service.
	KindProxy
)

// String returns the name of the candidate kind.
func (k CandidateKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindMapped:
		return "mapped"
	case KindProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Candidate is one streamhost the target may connect to.
type Candidate struct {
	JID  jid.JID
	Host string
	Port int
	Kind CandidateKind
}

// Address returns host:port.
func (c Candidate) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StreamHost converts the candidate to its wire form.
func (c Candidate) StreamHost() stanza.StreamHost {
	return stanza.StreamHost{JID: c.JID, Host: c.Host, Port: c.Port}
}

// CandidateSet is an immutable, preference ordered list of candidates.
// The zero value is an empty set.
type CandidateSet struct {
	items []Candidate
}

// NewCandidateSet orders candidates local first, then mapped, then proxies.
// Relative order within a kind is preserved.
func NewCandidateSet(candidates ...Candidate) CandidateSet {
	items := append([]Candidate(nil), candidates...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Kind < items[j].Kind })
	return CandidateSet{items: items}
}

// CandidatesFromOffer keeps the order in which the initiator listed them.
func CandidatesFromOffer(hosts []stanza.StreamHost, initiator jid.JID) CandidateSet {
	items := make([]Candidate, 0, len(hosts))
	for _, h := range hosts {
		kind := KindProxy
		if h.JID.Equal(initiator) {
			kind = KindLocal
		}
		items = append(items, Candidate{JID: h.JID, Host: h.Host, Port: h.Port, Kind: kind})
	}
	return CandidateSet{items: items}
}

// Len returns the number of candidates.
func (s CandidateSet) Len() int { return len(s.items) }

// All returns a copy of the candidates in order.
func (s CandidateSet) All() []Candidate {
	return append([]Candidate(nil), s.items...)
}

// Find returns the first candidate announced under address.
func (s CandidateSet) Find(address jid.JID) (Candidate, bool) {
	for _, c := range s.items {
		if c.JID.Equal(address) {
			return c, true
		}
	}
	return Candidate{}, false
}

// HasKind reports whether any candidate is of kind k.
func (s CandidateSet) HasKind(k CandidateKind) bool {
	for _, c := range s.items {
		if c.Kind == k {
			return true
		}
	}
	return false
}

// StreamHosts returns the wire form of the set in order.
func (s CandidateSet) StreamHosts() []stanza.StreamHost {
	out := make([]stanza.StreamHost, len(s.items))
	for i, c := range s.items {
		out[i] = c.StreamHost()
	}
	return out
}
