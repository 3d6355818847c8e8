// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package votifier

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// startFakeServer starts a loopback votifier server whose behavior is
// defined by handle and returns a target that points at it. The listener
// accepts a single connection.
func startFakeServer(t *testing.T, handle func(conn net.Conn)) Target {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return Target{
		Host:  "127.0.0.1",
		Port:  uint16(port),
		Token: "test-token",
	}
}

var testVote = Vote{
	Username:  "Herobrine",
	Address:   "203.0.113.99",
	Timestamp: 1716020000,
}

func TestRelayNuVotifierV2(t *testing.T) {
	received := make(chan []byte, 1)
	target := startFakeServer(t, func(conn net.Conn) {
		io.WriteString(conn, "VOTIFIER 2 9b3d\n")
		b, _ := io.ReadAll(conn)
		received <- b
	})

	c := New(&Opts{ServiceName: "craftlist"})
	outcome := c.Relay(context.Background(), testVote, target)
	if !outcome.Success {
		t.Fatalf("relay failed: %v", outcome.Response)
	}

	// Verify the wire message the server received.
	select {
	case b := <-received:
		var msg v2Message
		err := json.Unmarshal(b, &msg)
		if err != nil {
			t.Fatalf("server received malformed message: %v", err)
		}
		want := signPayload([]byte(msg.Payload), target.Token)
		if msg.Signature != want {
			t.Errorf("got signature %v, want %v",
				msg.Signature, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the vote")
	}
}

func TestRelayFixedKeyRSA(t *testing.T) {
	key := newTestKey(t, 2048)
	received := make(chan []byte, 1)
	target := startFakeServer(t, func(conn net.Conn) {
		io.WriteString(conn, "VOTIFIER 1\n")
		b := make([]byte, 256)
		_, err := io.ReadFull(conn, b)
		if err != nil {
			return
		}
		received <- b
		io.WriteString(conn, "ok\n")
	})

	c := New(&Opts{FixedKey: &key.PublicKey})
	outcome := c.Relay(context.Background(), testVote, target)
	if !outcome.Success {
		t.Fatalf("relay failed: %v", outcome.Response)
	}
	if !strings.Contains(strings.ToLower(outcome.Response), "ok") {
		t.Errorf("got response %q, want confirmation containing 'ok'",
			outcome.Response)
	}

	// The vote must have been encrypted with the injected fixed key, not
	// anything from the handshake.
	select {
	case b := <-received:
		decrypted, err := rsa.DecryptPKCS1v15(nil, key, b)
		if err != nil {
			t.Fatal(err)
		}
		want := string(plaintextBlock(defaultServiceName, testVote))
		if string(decrypted) != want {
			t.Errorf("got plaintext %q, want %q", decrypted, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the vote")
	}
}

func TestRelayFixedKeyNotConfigured(t *testing.T) {
	// A fixed key banner with no fixed key configured must fail with an
	// encoding error before anything is written.
	target := startFakeServer(t, func(conn net.Conn) {
		io.WriteString(conn, "VOTIFIER 1\n")
		io.ReadAll(conn)
	})

	c := New(nil)
	outcome := c.Relay(context.Background(), testVote, target)
	if outcome.Success {
		t.Fatal("relay succeeded without a fixed key")
	}
	if !strings.Contains(outcome.Response, ErrCodes[ErrCodeEncodingFailure]) {
		t.Errorf("got response %q, want an encoding failure",
			outcome.Response)
	}
}

func TestRelayLegacyV1(t *testing.T) {
	key := newTestKey(t, 2048)
	keyBlock := encodeTestKey(t, &key.PublicKey)
	received := make(chan []byte, 1)
	target := startFakeServer(t, func(conn net.Conn) {
		// A banner that is neither v1 nor v2 followed by the
		// server's public key.
		io.WriteString(conn, "HELLO\n")
		io.WriteString(conn, keyBlock)
		b := make([]byte, 256)
		_, err := io.ReadFull(conn, b)
		if err != nil {
			return
		}
		received <- b
	})

	c := New(nil)
	outcome := c.Relay(context.Background(), testVote, target)
	if !outcome.Success {
		t.Fatalf("relay failed: %v", outcome.Response)
	}

	select {
	case b := <-received:
		decrypted, err := rsa.DecryptPKCS1v15(nil, key, b)
		if err != nil {
			t.Fatal(err)
		}
		want := string(plaintextBlock(defaultServiceName, testVote))
		if string(decrypted) != want {
			t.Errorf("got plaintext %q, want %q", decrypted, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the vote")
	}
}

func TestRelayTimeout(t *testing.T) {
	// A session that receives no bytes within the deadline must resolve
	// to failure with a timeout description, never to success.
	target := startFakeServer(t, func(conn net.Conn) {
		time.Sleep(2 * time.Second)
	})

	c := New(&Opts{Timeout: 150 * time.Millisecond})
	outcome := c.Relay(context.Background(), testVote, target)
	if outcome.Success {
		t.Fatal("relay succeeded against a silent server")
	}
	if !strings.Contains(outcome.Response, "timeout after") {
		t.Errorf("got response %q, want a timeout description",
			outcome.Response)
	}
}

func TestRelayClosedWithoutHandshake(t *testing.T) {
	target := startFakeServer(t, func(conn net.Conn) {
		// Close immediately without sending a byte.
	})

	c := New(nil)
	outcome := c.Relay(context.Background(), testVote, target)
	if outcome.Success {
		t.Fatal("relay succeeded against an empty handshake")
	}
	if !strings.Contains(outcome.Response, "closed without handshake") {
		t.Errorf("got response %q, want closed without handshake",
			outcome.Response)
	}
}

func TestRelayBannerThenClose(t *testing.T) {
	// Banner followed immediately by an abrupt close before any further
	// bytes: classification succeeds but the vote lands on a dead socket
	// and the attempt must resolve to failure rather than panic. The
	// linger is zeroed so the close is a reset instead of a clean
	// shutdown, which is what a crashed plugin looks like on the wire.
	target := startFakeServer(t, func(conn net.Conn) {
		io.WriteString(conn, "VOTIFIER 2.0\n")
		time.Sleep(50 * time.Millisecond)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
	})

	c := New(nil)
	outcome := c.Relay(context.Background(), testVote, target)
	if outcome.Success {
		t.Fatal("relay succeeded against a closed socket")
	}
}

func TestRelayConnectFailure(t *testing.T) {
	// Grab a free port with no listener behind it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	c := New(nil)
	outcome := c.Relay(context.Background(), testVote, Target{
		Host: "127.0.0.1",
		Port: uint16(port),
	})
	if outcome.Success {
		t.Fatal("relay succeeded against a dead port")
	}
	if !strings.Contains(outcome.Response, ErrCodes[ErrCodeConnectFailure]) {
		t.Errorf("got response %q, want a connect failure",
			outcome.Response)
	}
}

func TestRelayInvalidVote(t *testing.T) {
	c := New(nil)
	invalid := Vote{
		Username:  strings.Repeat("a", 17),
		Address:   "192.0.2.1",
		Timestamp: 1716020000,
	}
	outcome := c.Relay(context.Background(), invalid, Target{
		Host: "127.0.0.1",
		Port: 1,
	})
	if outcome.Success {
		t.Fatal("relay succeeded with an invalid username")
	}
	if !strings.Contains(outcome.Response, ErrCodes[ErrCodeVoteInvalid]) {
		t.Errorf("got response %q, want a vote invalid failure",
			outcome.Response)
	}
}
