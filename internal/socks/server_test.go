package socks

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/errs"
)

type stubDialer struct {
	target  string
	conn    net.Conn
	err     error
}

func (d *stubDialer) DialMasked(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	d.target = target
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func dialSOCKS(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, err)
	return nil
}

func TestConnectSucceedsAndRelays(t *testing.T) {
	appSide, dialSide := net.Pipe()
	dialer := &stubDialer{conn: dialSide}

	cfg := Config{ListenAddr: "127.0.0.1:0"}
	srv := NewServer(cfg, dialer, zap.NewNop())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	srv.cfg.ListenAddr = addr
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)

	conn := dialSOCKS(t, addr)
	defer conn.Close()

	// method negotiation: 1 method, no-auth
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write negotiation: %v", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read negotiation reply: %v", err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("unexpected negotiation reply %v", resp)
	}

	// CONNECT request to a domain target.
	domain := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, []byte(domain)...)
	req = append(req, 0x01, 0xBB) // port 443
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != replySucceeded {
		t.Fatalf("expected success reply, got code %d", reply[1])
	}

	payload := []byte("hello-through-mask")
	go func() {
		buf := make([]byte, len(payload))
		io.ReadFull(appSide, buf)
		appSide.Write(buf)
	}()

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
	if dialer.target != net.JoinHostPort(domain, "443") {
		t.Fatalf("dialer target = %q, want %q", dialer.target, net.JoinHostPort(domain, "443"))
	}
}

func TestConnectMapsDialErrorToReplyCode(t *testing.T) {
	dialer := &stubDialer{err: errs.New(errs.KindTimeout, "test")}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	srv := NewServer(Config{ListenAddr: addr}, dialer, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)

	conn := dialSOCKS(t, addr)
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	io.ReadFull(conn, resp)

	domain := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, []byte(domain)...)
	req = append(req, 0x01, 0xBB)
	conn.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != replyTTLExpired {
		t.Fatalf("expected TTL-expired reply, got code %d", reply[1])
	}
}

func TestRateLimiterBlocksBurst(t *testing.T) {
	set := NewLimiterSet(2, time.Hour)
	defer set.Close()

	if !set.Allow("10.0.0.1") {
		t.Fatal("expected first attempt to be allowed")
	}
	if !set.Allow("10.0.0.1") {
		t.Fatal("expected second attempt to be allowed")
	}
	if set.Allow("10.0.0.1") {
		t.Fatal("expected third attempt to be rate limited")
	}
	if !set.Allow("10.0.0.2") {
		t.Fatal("expected a distinct source IP to have its own bucket")
	}
}
