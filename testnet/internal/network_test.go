package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/jid"
)

func TestNetworkLifecycle(t *testing.T) {
	config := DefaultNetworkConfig()
	config.Logger = quietLogger()
	n, err := NewNetwork(config)
	require.NoError(t, err)

	_, err = n.Connect(jid.MustParse("carol@testnet.local/x"))
	assert.Error(t, err, "connect before start")

	require.NoError(t, n.Start(context.Background()))
	assert.Error(t, n.Start(context.Background()))
	assert.True(t, n.IsRunning())

	ep, err := n.Connect(jid.MustParse("carol@testnet.local/x"))
	require.NoError(t, err)
	defer ep.Close()

	status := n.GetStatus()
	assert.Equal(t, true, status["running"])
	assert.Equal(t, int64(1), status["peers_connected"])
	assert.NotEmpty(t, status["relay_addr"])

	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())
	assert.False(t, n.IsRunning())
}

func TestNetworkRejectsBadRelayAddress(t *testing.T) {
	config := DefaultNetworkConfig()
	config.RelayJID = ""
	_, err := NewNetwork(config)
	assert.Error(t, err)
}

func TestPeerCounters(t *testing.T) {
	config := DefaultNetworkConfig()
	config.Logger = quietLogger()
	n, err := NewNetwork(config)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	pc := DefaultPeerConfig("dave")
	pc.Logger = quietLogger()
	pc.LocalStreamhost = true
	p, err := NewPeer(n, pc)
	require.NoError(t, err)

	assert.Equal(t, "dave", p.GetName())
	assert.Equal(t, "dave@testnet.local/harness", p.JID().String())
	assert.NotNil(t, p.listener)
	assert.Zero(t, p.GetMetrics().Completed)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
