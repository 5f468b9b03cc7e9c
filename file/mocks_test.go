package file

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/bytestream"
	"github.com/opd-ai/xmppft/ibb"
	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/relay"
	"github.com/opd-ai/xmppft/stanzasim"
)

// event is one observer callback as recorded by eventRecorder.
type event struct {
	kind        string
	transfer    string
	transferred int64
	err         error
}

// eventRecorder implements Observer by recording every callback.
type eventRecorder struct {
	mu     sync.Mutex
	events []event
}

func (r *eventRecorder) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// key tells the two ends of one transfer apart; they share the session id.
func key(t *Transfer) string {
	return t.Direction().String() + "/" + t.ID()
}

func (r *eventRecorder) observer() Observer {
	return Observer{
		OnOfferSent: func(t *Transfer) { r.add(event{kind: "offer", transfer: key(t)}) },
		OnBegin:     func(t *Transfer) { r.add(event{kind: "begin", transfer: key(t)}) },
		OnProgress: func(t *Transfer, n int64) {
			r.add(event{kind: "progress", transfer: key(t), transferred: n})
		},
		OnComplete: func(t *Transfer) { r.add(event{kind: "complete", transfer: key(t)}) },
		OnFailure:  func(t *Transfer, err error) { r.add(event{kind: "failure", transfer: key(t), err: err}) },
	}
}

func (r *eventRecorder) count(kind, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.kind == kind && e.transfer == id {
			n++
		}
	}
	return n
}

func (r *eventRecorder) terminal(id string) int {
	return r.count("complete", id) + r.count("failure", id)
}

func (r *eventRecorder) lastProgress(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last int64 = -1
	for _, e := range r.events {
		if e.kind == "progress" && e.transfer == id {
			last = e.transferred
		}
	}
	return last
}

// failingSeeker is a source whose Seek always fails.
type failingSeeker struct{}

func (failingSeeker) Read(p []byte) (int, error)     { return 0, errors.New("unreadable") }
func (failingSeeker) Seek(int64, int) (int64, error) { return 0, errors.New("unseekable") }

// silentStreamhost accepts TCP connections and never answers the SOCKS5
// greeting, so every connect attempt runs into its timeout.
func silentStreamhost(t *testing.T, name string) bytestream.Proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	return bytestream.Proxy{
		JID:  jid.MustParse(name),
		Host: "127.0.0.1",
		Port: ln.Addr().(*net.TCPAddr).Port,
	}
}

// relayProxy is the network's relay as a configured proxy.
func (n *network) relayProxy() bytestream.Proxy {
	sh := n.relay.StreamHost()
	return bytestream.Proxy{JID: sh.JID, Host: sh.Host, Port: sh.Port}
}

// network is two managers and a relay attached to one hub.
type network struct {
	hub      *stanzasim.Hub
	alice    *stanzasim.Endpoint
	bob      *stanzasim.Endpoint
	proxyEP  *stanzasim.Endpoint
	relay    *relay.Server
	aliceMgr *Manager
	bobMgr   *Manager
	events   *eventRecorder
}

func testConfig() Config {
	return Config{
		SIResponseTimeout: 2 * time.Second,
		DecisionTimeout:   2 * time.Second,
		TransportTimeout:  5 * time.Second,
		DiscoveryTimeout:  time.Second,
		Bytestream: bytestream.Config{
			ProbeTimeout:      time.Second,
			OfferTimeout:      2 * time.Second,
			ConnectTimeout:    time.Second,
			ActivationTimeout: time.Second,
		},
		IBB: ibb.Config{
			OpenTimeout: 2 * time.Second,
			AckTimeout:  2 * time.Second,
			IdleTimeout: 2 * time.Second,
		},
	}
}

// newNetwork connects alice, bob and a proxy. The options may leave Config
// empty to use testConfig.
func newNetwork(t *testing.T, aliceOpts, bobOpts Options) *network {
	t.Helper()

	hub := stanzasim.NewHub()
	n := &network{
		hub:     hub,
		alice:   hub.Connect(jid.MustParse(testAlice)),
		bob:     hub.Connect(jid.MustParse(testBob)),
		proxyEP: hub.Connect(jid.MustParse(testProxy)),
		events:  &eventRecorder{},
	}

	srv, err := relay.NewServer(n.proxyEP, relay.Config{})
	require.NoError(t, err)
	n.relay = srv

	if aliceOpts.Config == (Config{}) {
		aliceOpts.Config = testConfig()
	}
	if bobOpts.Config == (Config{}) {
		bobOpts.Config = testConfig()
	}
	n.aliceMgr = NewManager(n.alice, aliceOpts)
	n.bobMgr = NewManager(n.bob, bobOpts)
	n.aliceMgr.Observe(n.events.observer())
	n.bobMgr.Observe(n.events.observer())

	t.Cleanup(func() {
		n.aliceMgr.Close()
		n.bobMgr.Close()
		n.relay.Close()
		n.alice.Close()
		n.bob.Close()
		n.proxyEP.Close()
	})
	return n
}

// acceptAll makes bob accept every offer with method and report the
// resulting transfer.
func (n *network) acceptAll(t *testing.T, method Method) <-chan *Transfer {
	t.Helper()
	accepted := make(chan *Transfer, 1)
	n.bobMgr.OnOffer(func(o *Offer) {
		tr, err := n.bobMgr.Accept(o, method)
		if err != nil {
			return
		}
		accepted <- tr
	})
	return accepted
}

func waitDone(t *testing.T, tr *Transfer) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(testWait):
		t.Fatalf("transfer %s did not finish, state %s", tr.ID(), tr.State())
	}
}

func receiveTransfer(t *testing.T, ch <-chan *Transfer) *Transfer {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(testWait):
		t.Fatal("no incoming transfer")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, testWait, 5*time.Millisecond)
}

func droppedPayload(hub *stanzasim.Hub, name string) bool {
	for _, rec := range hub.DeliveryLog() {
		if rec.Dropped && rec.Payload == name {
			return true
		}
	}
	return false
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}
	return data
}
