package disco

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/stanzasim"
)

func TestResponderAndQuery(t *testing.T) {
	hub := stanzasim.NewHub()
	a := hub.Connect(jid.MustParse("alice@example.com/home"))
	b := hub.Connect(jid.MustParse("bob@example.com/work"))
	defer a.Close()
	defer b.Close()

	r := NewResponder(b, stanza.DiscoIdentity{Category: "client", Type: "pc"}, TransferFeatures)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	info, err := Query(ctx, a, b.LocalJID())
	require.NoError(t, err)
	for _, ns := range TransferFeatures {
		assert.True(t, info.HasFeature(ns), ns)
	}
	require.Len(t, info.Identities, 1)
	assert.Equal(t, "client", info.Identities[0].Category)
}

func TestQueryWithoutResponder(t *testing.T) {
	hub := stanzasim.NewHub()
	a := hub.Connect(jid.MustParse("alice@example.com/home"))
	b := hub.Connect(jid.MustParse("bob@example.com/work"))
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Query(ctx, a, b.LocalJID())
	var se *stanza.StanzaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stanza.CondServiceUnavailable, se.Condition)
}

func TestCacheAvoidsRepeatedQueries(t *testing.T) {
	hub := stanzasim.NewHub()
	a := hub.Connect(jid.MustParse("alice@example.com/home"))
	b := hub.Connect(jid.MustParse("bob@example.com/work"))
	defer a.Close()
	defer b.Close()

	r := NewResponder(b, stanza.DiscoIdentity{Category: "client", Type: "pc"}, []string{stanza.NSIBB})
	defer r.Close()

	cache := NewCache(16, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		info, err := cache.Lookup(ctx, a, b.LocalJID())
		require.NoError(t, err)
		assert.True(t, info.HasFeature(stanza.NSIBB))
		assert.False(t, info.HasFeature(stanza.NSBytestreams))
	}
	assert.Equal(t, 1, hub.CountPayload("disco#info", stanza.TypeGet))
	assert.Equal(t, 1, cache.Len())

	cache.Forget(b.LocalJID())
	_, err := cache.Lookup(ctx, a, b.LocalJID())
	require.NoError(t, err)
	assert.Equal(t, 2, hub.CountPayload("disco#info", stanza.TypeGet))
}
