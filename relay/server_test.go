package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/socks5"
	"github.com/opd-ai/xmppft/stanza"
	"github.com/opd-ai/xmppft/stanzasim"
)

type fixture struct {
	hub    *stanzasim.Hub
	client *stanzasim.Endpoint
	srv    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := stanzasim.NewHub()
	proxyEP := hub.Connect(jid.MustParse("proxy.example.com"))
	client := hub.Connect(jid.MustParse("alice@example.com/desk"))

	srv, err := NewServer(proxyEP, Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		client.Close()
		proxyEP.Close()
	})
	return &fixture{hub: hub, client: client, srv: srv}
}

func (f *fixture) connect(t *testing.T, dst string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, socks5.ClientHandshake(ctx, conn, dst))
	return conn
}

func (f *fixture) activate(t *testing.T, sid string, target jid.JID) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := stanza.Request(ctx, f.client, &stanza.IQ{
		Type:       stanza.TypeSet,
		To:         jid.MustParse("proxy.example.com"),
		Bytestream: &stanza.BytestreamQuery{SID: sid, Activate: target.String()},
	})
	return err
}

func TestAddressQuery(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := stanza.Request(ctx, f.client, &stanza.IQ{
		Type:       stanza.TypeGet,
		To:         jid.MustParse("proxy.example.com"),
		Bytestream: &stanza.BytestreamQuery{},
	})
	require.NoError(t, err)
	require.NotNil(t, reply.Bytestream)
	require.Len(t, reply.Bytestream.StreamHosts, 1)

	sh := reply.Bytestream.StreamHosts[0]
	assert.Equal(t, "proxy.example.com", sh.JID.String())
	assert.Equal(t, "127.0.0.1", sh.Host)
	assert.Equal(t, f.srv.Addr().(*net.TCPAddr).Port, sh.Port)
}

func TestActivateSplicesConnections(t *testing.T) {
	f := newFixture(t)
	initiator := f.client.LocalJID()
	target := jid.MustParse("bob@example.com/laptop")
	dst := socks5.DestinationAddr("sid-1", initiator, target)

	targetConn := f.connect(t, dst)
	defer targetConn.Close()
	initiatorConn := f.connect(t, dst)
	defer initiatorConn.Close()

	require.NoError(t, f.activate(t, "sid-1", target))

	_, err := initiatorConn.Write([]byte("hello target"))
	require.NoError(t, err)
	buf := make([]byte, len("hello target"))
	_, err = io.ReadFull(targetConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello target", string(buf))

	_, err = targetConn.Write([]byte("ack"))
	require.NoError(t, err)
	back := make([]byte, 3)
	_, err = io.ReadFull(initiatorConn, back)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(back))
}

func TestActivateBeforeBothConnected(t *testing.T) {
	f := newFixture(t)
	target := jid.MustParse("bob@example.com/laptop")
	dst := socks5.DestinationAddr("sid-2", f.client.LocalJID(), target)

	conn := f.connect(t, dst)
	defer conn.Close()

	err := f.activate(t, "sid-2", target)
	var se *stanza.StanzaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stanza.CondItemNotFound, se.Condition)
}

func TestActivateRejectsMalformedTarget(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := stanza.Request(ctx, f.client, &stanza.IQ{
		Type:       stanza.TypeSet,
		To:         jid.MustParse("proxy.example.com"),
		Bytestream: &stanza.BytestreamQuery{SID: "x", Activate: "@"},
	})
	var se *stanza.StanzaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stanza.CondBadRequest, se.Condition)
}

func TestThirdConnectionRefused(t *testing.T) {
	f := newFixture(t)
	dst := "0123456789abcdef"

	a := f.connect(t, dst)
	defer a.Close()
	b := f.connect(t, dst)
	defer b.Close()

	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, socks5.ClientHandshake(ctx, conn, dst), socks5.ErrHandshake)
}

func TestCloseReleasesWaitingConnections(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "feedface")
	defer conn.Close()

	require.NoError(t, f.srv.Close())
	require.NoError(t, f.srv.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
