package stanzasim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
)

func newPair(t *testing.T) (*Hub, *Endpoint, *Endpoint) {
	t.Helper()
	hub := NewHub()
	a := hub.Connect(jid.MustParse("alice@example.com/home"))
	b := hub.Connect(jid.MustParse("bob@example.com/work"))
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return hub, a, b
}

func TestRequestReply(t *testing.T) {
	hub, a, b := newPair(t)

	b.Handle(stanza.MatchRequest(func(iq *stanza.IQ) bool { return iq.Disco != nil }), func(iq *stanza.IQ) {
		reply := iq.Reply()
		reply.Disco = &stanza.DiscoInfo{Features: []stanza.DiscoFeature{{Var: stanza.NSIBB}}}
		assert.NoError(t, b.Send(reply))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := stanza.Request(ctx, a, &stanza.IQ{Type: stanza.TypeGet, To: b.LocalJID(), Disco: &stanza.DiscoInfo{}})
	require.NoError(t, err)
	assert.True(t, reply.Disco.HasFeature(stanza.NSIBB))
	assert.Equal(t, 1, hub.CountPayload("disco#info", stanza.TypeGet))
	assert.Equal(t, 1, hub.CountPayload("disco#info", stanza.TypeResult))
}

func TestUnhandledRequestGetsServiceUnavailable(t *testing.T) {
	_, a, b := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := stanza.Request(ctx, a, &stanza.IQ{Type: stanza.TypeGet, To: b.LocalJID(), Disco: &stanza.DiscoInfo{}})
	var se *stanza.StanzaError
	require.True(t, errors.As(err, &se), "expected stanza error, got %v", err)
	assert.Equal(t, stanza.CondServiceUnavailable, se.Condition)
}

func TestDroppedStanzaTimesOut(t *testing.T) {
	hub, a, b := newPair(t)
	hub.SetDropFunc(func(iq *stanza.IQ) bool { return iq.Disco != nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := stanza.Request(ctx, a, &stanza.IQ{Type: stanza.TypeGet, To: b.LocalJID(), Disco: &stanza.DiscoInfo{}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	log := hub.DeliveryLog()
	require.Len(t, log, 1)
	assert.True(t, log[0].Dropped)
}

func TestBareAddressRouting(t *testing.T) {
	hub := NewHub()
	proxy := hub.Connect(jid.MustParse("proxy.example.com"))
	a := hub.Connect(jid.MustParse("alice@example.com/home"))
	defer proxy.Close()
	defer a.Close()

	got := make(chan *stanza.IQ, 1)
	a.Handle(stanza.MatchRequest(func(*stanza.IQ) bool { return true }), func(iq *stanza.IQ) { got <- iq })

	require.NoError(t, proxy.Send(&stanza.IQ{Type: stanza.TypeSet, ID: "1", To: jid.MustParse("alice@example.com")}))
	select {
	case iq := <-got:
		assert.Equal(t, "proxy.example.com", iq.From.String())
	case <-time.After(time.Second):
		t.Fatal("stanza to bare address not delivered")
	}

	err := a.Send(&stanza.IQ{Type: stanza.TypeSet, ID: "2", To: jid.MustParse("carol@example.com/x")})
	assert.ErrorIs(t, err, ErrUnknownRecipient)
}

func TestDeliveryOrderPreserved(t *testing.T) {
	_, a, b := newPair(t)

	const n = 50
	seen := make(chan string, n)
	b.Handle(stanza.MatchRequest(func(*stanza.IQ) bool { return true }), func(iq *stanza.IQ) { seen <- iq.ID })

	ids := make([]string, n)
	for i := range ids {
		ids[i] = stanza.NewID()
		require.NoError(t, a.Send(&stanza.IQ{Type: stanza.TypeSet, ID: ids[i], To: b.LocalJID()}))
	}
	for i := 0; i < n; i++ {
		select {
		case id := <-seen:
			assert.Equal(t, ids[i], id)
		case <-time.After(time.Second):
			t.Fatalf("missing stanza %d", i)
		}
	}
}

func TestClosedEndpointRejectsSend(t *testing.T) {
	_, a, b := newPair(t)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(&stanza.IQ{Type: stanza.TypeSet, To: b.LocalJID()}), stanza.ErrStreamClosed)
}
