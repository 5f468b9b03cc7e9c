package socks5

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xmppft/jid"
)

func TestDestinationAddr(t *testing.T) {
	requester := jid.MustParse("alice@example.com/home")
	target := jid.MustParse("bob@example.com/work")

	a := DestinationAddr("sid-1", requester, target)
	b := DestinationAddr("sid-1", requester, target)
	assert.Equal(t, a, b, "hash must be deterministic")
	assert.Len(t, a, 40)
	assert.Regexp(t, "^[0-9a-f]{40}$", a)

	assert.NotEqual(t, a, DestinationAddr("sid-2", requester, target))
	assert.NotEqual(t, a, DestinationAddr("sid-1", target, requester), "argument order matters")
}

func TestDestinationAddrKnownValue(t *testing.T) {
	// sha1("s" + "a@x/r" + "b@x/r")
	got := DestinationAddr("s", jid.MustParse("a@x/r"), jid.MustParse("b@x/r"))
	assert.Equal(t, "585bd4b03402a9e4f7cf9610810b41f8b7874e9f", got)
}

func TestClientServerHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dst := DestinationAddr("sid", jid.MustParse("a@x/r"), jid.MustParse("b@x/r"))

	serverDst := make(chan string, 1)
	go func() {
		got, err := ServerHandshake(ctx, server)
		if assert.NoError(t, err) {
			serverDst <- got
			assert.NoError(t, WriteReply(server, ReplySucceeded, got))
		}
	}()

	require.NoError(t, ClientHandshake(ctx, client, dst))
	assert.Equal(t, dst, <-serverDst)

	// The connection carries payload once the handshake completes.
	go func() { _, _ = server.Write([]byte("hello")) }()
	buf := make([]byte, 5)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestClientHandshakeRejectsNegativeReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		got, err := ServerHandshake(ctx, server)
		if err == nil {
			_ = WriteReply(server, ReplyHostUnreachable, got)
		}
	}()

	err := ClientHandshake(ctx, client, "deadbeef")
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestClientHandshakeRejectsWrongEcho(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		if _, err := ServerHandshake(ctx, server); err == nil {
			_ = WriteReply(server, ReplySucceeded, "somethingelse")
		}
	}()

	err := ClientHandshake(ctx, client, "deadbeef")
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestServerHandshakeRequiresNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		// Offer username/password only.
		_, _ = client.Write([]byte{Version5, 1, 0x02})
		reply := make([]byte, 2)
		_, _ = io.ReadFull(client, reply)
		assert.Equal(t, []byte{Version5, MethodNoAcceptable}, reply)
	}()

	_, err := ServerHandshake(ctx, server)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestHandshakeHonoursContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Drain the greeting and never answer.
	go func() { _, _ = io.Copy(io.Discard, server) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ClientHandshake(ctx, client, "deadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestListenerRoutesByDestination(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	conns, cancel, err := l.Expect("aaaa")
	require.NoError(t, err)
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ctxCancel()

	// Unknown destination is refused.
	stray, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer stray.Close()
	assert.ErrorIs(t, ClientHandshake(ctx, stray, "bbbb"), ErrHandshake)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, ClientHandshake(ctx, conn, "aaaa"))

	select {
	case accepted := <-conns:
		defer accepted.Close()
		_, err := conn.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, err = io.ReadFull(accepted, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection not delivered")
	}
}

func TestListenerExpectAfterClose(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, _, err = l.Expect("aaaa")
	assert.ErrorIs(t, err, ErrListenerClosed)
}

func TestListenerDuplicateExpect(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, cancel, err := l.Expect("aaaa")
	require.NoError(t, err)

	_, _, err = l.Expect("aaaa")
	assert.Error(t, err)

	cancel()
	_, cancel2, err := l.Expect("aaaa")
	require.NoError(t, err)
	cancel2()
}

func TestListenerCancelBeforeDelivery(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	conns, cancel, err := l.Expect("aaaa")
	require.NoError(t, err)

	// The handshake finished and claimed the expectation, then the session
	// gave up before the connection was handed over.
	e := l.claim("aaaa")
	require.NotNil(t, e)
	cancel()

	server, client := net.Pipe()
	defer client.Close()
	assert.False(t, l.deliver(e, server))
	assert.Empty(t, conns)

	server.Close()
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Nil(t, l.claim("aaaa"))
}

func TestListenerDeliverThenCancelClosesConnection(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	conns, cancel, err := l.Expect("aaaa")
	require.NoError(t, err)

	server, client := net.Pipe()
	defer client.Close()
	require.True(t, l.deliver(l.claim("aaaa"), server))
	require.Len(t, conns, 1)

	cancel()
	assert.Empty(t, conns)
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
