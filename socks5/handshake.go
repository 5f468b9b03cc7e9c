// Package socks5 implements the SOCKS5 subset used by XMPP bytestreams:
// no-authentication method negotiation followed by a CONNECT request whose
// destination is a hashed pseudo-domain and whose port is always zero.
package socks5

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/opd-ai/xmppft/jid"
)

// Protocol constants.
const (
	Version5 = 0x05

	MethodNoAuth       = 0x00
	MethodNoAcceptable = 0xFF

	CmdConnect = 0x01

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	ReplySucceeded         = 0x00
	ReplyGeneralFailure    = 0x01
	ReplyHostUnreachable   = 0x04
	ReplyCommandNotSupport = 0x07
	ReplyAddrNotSupported  = 0x08
)

// ErrHandshake is returned for any malformed or negative handshake message.
var ErrHandshake = errors.New("socks5 handshake")

// DestinationAddr derives the rendezvous token used as the CONNECT
// destination: lowercase hex SHA-1 of sid, requester and target addresses.
func DestinationAddr(sid string, requester, target jid.JID) string {
	sum := sha1.Sum([]byte(sid + requester.String() + target.String()))
	return hex.EncodeToString(sum[:])
}

// ClientHandshake negotiates no-auth and issues CONNECT dst:0 on conn.
// The destination echoed by the server must equal dst when it is a domain.
func ClientHandshake(ctx context.Context, conn net.Conn, dst string) error {
	if len(dst) == 0 || len(dst) > 255 {
		return fmt.Errorf("%w: destination length %d", ErrHandshake, len(dst))
	}
	return withContext(ctx, conn, func() error {
		if _, err := conn.Write([]byte{Version5, 1, MethodNoAuth}); err != nil {
			return fmt.Errorf("write method selection: %w", err)
		}

		var sel [2]byte
		if _, err := io.ReadFull(conn, sel[:]); err != nil {
			return fmt.Errorf("%w: read method reply: %v", ErrHandshake, err)
		}
		if sel[0] != Version5 || sel[1] != MethodNoAuth {
			return fmt.Errorf("%w: method reply %#x %#x", ErrHandshake, sel[0], sel[1])
		}

		req := make([]byte, 0, 7+len(dst))
		req = append(req, Version5, CmdConnect, 0x00, AtypDomain, byte(len(dst)))
		req = append(req, dst...)
		req = append(req, 0x00, 0x00)
		if _, err := conn.Write(req); err != nil {
			return fmt.Errorf("write connect request: %w", err)
		}

		rep, addr, err := readAddressed(conn)
		if err != nil {
			return err
		}
		if rep != ReplySucceeded {
			return fmt.Errorf("%w: connect reply code %#x", ErrHandshake, rep)
		}
		if addr.atyp == AtypDomain && addr.host != dst {
			return fmt.Errorf("%w: destination not echoed", ErrHandshake)
		}
		return nil
	})
}

// ServerHandshake accepts no-auth negotiation and reads the CONNECT request,
// returning the requested destination. The caller answers with WriteReply.
func ServerHandshake(ctx context.Context, conn net.Conn) (string, error) {
	var dst string
	err := withContext(ctx, conn, func() error {
		var hdr [2]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return fmt.Errorf("%w: read greeting: %v", ErrHandshake, err)
		}
		if hdr[0] != Version5 || hdr[1] == 0 {
			return fmt.Errorf("%w: greeting %#x %#x", ErrHandshake, hdr[0], hdr[1])
		}
		methods := make([]byte, hdr[1])
		if _, err := io.ReadFull(conn, methods); err != nil {
			return fmt.Errorf("%w: read methods: %v", ErrHandshake, err)
		}
		if !containsByte(methods, MethodNoAuth) {
			_, _ = conn.Write([]byte{Version5, MethodNoAcceptable})
			return fmt.Errorf("%w: client does not offer no-auth", ErrHandshake)
		}
		if _, err := conn.Write([]byte{Version5, MethodNoAuth}); err != nil {
			return fmt.Errorf("write method reply: %w", err)
		}

		cmd, addr, err := readAddressed(conn)
		if err != nil {
			return err
		}
		if cmd != CmdConnect {
			_ = WriteReply(conn, ReplyCommandNotSupport, "")
			return fmt.Errorf("%w: unsupported command %#x", ErrHandshake, cmd)
		}
		if addr.atyp != AtypDomain {
			_ = WriteReply(conn, ReplyAddrNotSupported, "")
			return fmt.Errorf("%w: address type %#x", ErrHandshake, addr.atyp)
		}
		dst = addr.host
		return nil
	})
	return dst, err
}

// WriteReply sends a CONNECT reply echoing dst as a domain with port zero.
func WriteReply(conn net.Conn, code byte, dst string) error {
	msg := make([]byte, 0, 7+len(dst))
	msg = append(msg, Version5, code, 0x00, AtypDomain, byte(len(dst)))
	msg = append(msg, dst...)
	msg = append(msg, 0x00, 0x00)
	_, err := conn.Write(msg)
	return err
}

type address struct {
	atyp byte
	host string
	port uint16
}

// readAddressed reads "VER CODE RSV ATYP ADDR PORT", shared by requests and
// replies, and returns CODE with the parsed address.
func readAddressed(r io.Reader) (byte, address, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, address{}, fmt.Errorf("%w: read header: %v", ErrHandshake, err)
	}
	if hdr[0] != Version5 {
		return 0, address{}, fmt.Errorf("%w: version %#x", ErrHandshake, hdr[0])
	}

	addr := address{atyp: hdr[3]}
	switch addr.atyp {
	case AtypIPv4, AtypIPv6:
		n := net.IPv4len
		if addr.atyp == AtypIPv6 {
			n = net.IPv6len
		}
		ip := make([]byte, n)
		if _, err := io.ReadFull(r, ip); err != nil {
			return 0, address{}, fmt.Errorf("%w: read address: %v", ErrHandshake, err)
		}
		addr.host = net.IP(ip).String()
	case AtypDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return 0, address{}, fmt.Errorf("%w: read domain length: %v", ErrHandshake, err)
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return 0, address{}, fmt.Errorf("%w: read domain: %v", ErrHandshake, err)
		}
		addr.host = string(name)
	default:
		return 0, address{}, fmt.Errorf("%w: unknown address type %#x", ErrHandshake, addr.atyp)
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return 0, address{}, fmt.Errorf("%w: read port: %v", ErrHandshake, err)
	}
	addr.port = uint16(port[0])<<8 | uint16(port[1])
	return hdr[1], addr, nil
}

// withContext bounds fn's socket I/O by ctx: the context deadline becomes
// the socket deadline and cancellation unblocks pending reads and writes.
func withContext(ctx context.Context, conn net.Conn, fn func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()

	err := fn()
	close(stop)
	<-watcherDone

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		} else if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}
	if resetErr := conn.SetDeadline(time.Time{}); resetErr != nil && err == nil {
		err = resetErr
	}
	return err
}

func containsByte(b []byte, v byte) bool {
	for _, x := range b {
		if x == v {
			return true
		}
	}
	return false
}
