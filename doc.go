// Package xmppft is the root of an XMPP file transfer implementation:
// stream initiation (XEP-0095) with the file transfer profile (XEP-0096),
// carried over SOCKS5 bytestreams (XEP-0065) with an in-band bytestream
// (XEP-0047) fallback.
//
// The root package holds no code. Applications use the subpackages:
//
//   - file: offers, acceptance and the transfer lifecycle
//   - bytestream: SOCKS5 bytestream negotiation as initiator or target
//   - ibb: in-band bytestreams over IQ stanzas
//   - relay: a bytestream proxy component
//   - socks5: the SOCKS5 subset used by streamhosts
//   - disco: service discovery queries and a capability cache
//   - portmap: NAT-PMP, UPnP and static port mappings for a local streamhost
//   - config: YAML configuration producing manager options
//   - stanza, jid, xferr: the IQ model, addresses and error kinds shared by
//     the above
//   - stanzasim: an in-memory stanza router for tests and demos
//
// # Getting Started
//
// A Manager needs a stanza.Stream, which adapts the application's XMPP
// connection, and a set of options, usually built from configuration:
//
//	cfg, err := config.Load("xmppft.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	endpoint, err := cfg.Build(prometheus.DefaultRegisterer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer endpoint.Close()
//
//	mgr := file.NewManager(stream, endpoint.Options)
//	defer mgr.Close()
//
//	mgr.OnOffer(func(o *file.Offer) {
//	    t, err := mgr.Accept(o, "")
//	    if err != nil {
//	        return
//	    }
//	    go func() {
//	        <-t.Done()
//	        if t.Err() == nil {
//	            os.WriteFile(o.Meta.Name, t.Data(), 0o644)
//	        }
//	    }()
//	})
//
// See the file package for sending, fallback and event details, and
// testnet/cmd for an end-to-end harness.
package xmppft
