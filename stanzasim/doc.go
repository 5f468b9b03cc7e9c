// Package stanzasim provides an in-memory XMPP stanza hub for deterministic
// testing of bytestream negotiation and file transfer.
//
// # Overview
//
// A Hub routes IQ stanzas between Endpoints, each of which implements
// stanza.Stream. Every stanza is marshalled to XML and parsed again on
// delivery, so tests exercise the real wire codec. Deliveries are recorded
// in a log that tests can inspect:
//
//	hub := stanzasim.NewHub()
//	alice := hub.Connect(jid.MustParse("alice@example.com/home"))
//	bob := hub.Connect(jid.MustParse("bob@example.com/work"))
//
//	// ... run a transfer ...
//
//	opens := hub.CountPayload("ibb-open", stanza.TypeSet)
//
// # Routing
//
// Full addresses are matched exactly. A bare address is delivered to any
// endpoint sharing its local part and domain, which lets a proxy component
// be addressed by its domain alone.
//
// # Loss Simulation
//
// SetDropFunc installs a filter that silently discards selected stanzas,
// used to simulate peers that never answer:
//
//	hub.SetDropFunc(func(iq *stanza.IQ) bool { return iq.Disco != nil })
//
// # Unhandled Requests
//
// As an XMPP server would, an endpoint answers get/set requests for which no
// handler is registered with a service-unavailable error.
package stanzasim
