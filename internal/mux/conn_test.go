package mux

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
	"github.com/veilmesh/htx-helper/internal/frame"
)

// pairedConns builds two in-memory Conns sharing a net.Pipe and
// symmetric key material, mimicking the client/responder halves of a
// completed handshake without needing a real Noise exchange.
func pairedConns(t *testing.T, cfgA, cfgB Config) (*Conn, *Conn) {
	t.Helper()

	clientRaw, serverRaw := net.Pipe()

	var keyCS, keySC [32]byte
	var saltCS, saltSC [12]byte
	copy(keyCS[:], mustRandom(t, 32))
	copy(keySC[:], mustRandom(t, 32))
	copy(saltCS[:], mustRandom(t, 12))
	copy(saltSC[:], mustRandom(t, 12))
	transcript := mustRandom(t, 32)

	clientTx := frame.NewKeyContext(frame.DirTX, keyCS, saltCS)
	clientRx := frame.NewKeyContext(frame.DirRX, keySC, saltSC)
	serverTx := frame.NewKeyContext(frame.DirTX, keySC, saltSC)
	serverRx := frame.NewKeyContext(frame.DirRX, keyCS, saltCS)

	log := zap.NewNop()
	client := NewConn(clientRaw, clientTx, clientRx, true, transcript, cfgA, log)
	server := NewConn(serverRaw, serverTx, serverRx, false, transcript, cfgB, log)

	return client, server
}

func mustRandom(t *testing.T, n int) []byte {
	t.Helper()
	b, err := cryptoprim.RandomBytes(n)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	return b
}

func runBoth(ctx context.Context, client, server *Conn) (clientErrCh, serverErrCh chan error) {
	clientErrCh = make(chan error, 1)
	serverErrCh = make(chan error, 1)
	go func() { clientErrCh <- client.Run(ctx) }()
	go func() { serverErrCh <- server.Run(ctx) }()
	return
}

func TestStreamRoundTripAndFlowControl(t *testing.T) {
	small := Config{InitialWindow: 64}
	client, server := pairedConns(t, small, small)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, client, server)

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeErrCh := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		writeErrCh <- err
	}()

	ss, err := server.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 256)
	for len(got) < len(payload) {
		n, err := ss.Read(buf)
		if err != nil && err != io.EOF {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d: got %d want %d", i, got[i], payload[i])
		}
	}

	select {
	case err := <-writeErrCh:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Write to unblock on window update")
	}
}

func TestPingMeasuresRTT(t *testing.T) {
	cfg := Config{}
	client, server := pairedConns(t, cfg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, client, server)

	if err := client.SendPing(); err != nil {
		t.Fatalf("SendPing: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.PingRTT() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for ping RTT")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseFrameEndsStream(t *testing.T) {
	cfg := Config{}
	client, server := pairedConns(t, cfg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, client, server)

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := cs.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ss, err := server.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	buf := make([]byte, 16)
	if _, err := ss.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if err := cs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ss.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for peer stream to observe close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitiateRekeyRejectsPipelining(t *testing.T) {
	cfg := Config{}
	client, server := pairedConns(t, cfg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, client, server)

	if err := client.InitiateRekey(); err != nil {
		t.Fatalf("first InitiateRekey: %v", err)
	}
	if err := client.InitiateRekey(); err == nil {
		t.Fatal("expected pipelined InitiateRekey to be rejected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.keyUpdate.mu.Lock()
		pending := client.keyUpdate.txPending
		client.keyUpdate.mu.Unlock()
		if !pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tx overlap window never settled")
		}
		// The tx window closes after frame.MaxOverlapFrames frames on
		// that direction, so keep client frames flowing.
		if err := client.SendPing(); err != nil {
			t.Fatalf("SendPing: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := client.InitiateRekey(); err != nil {
		t.Fatalf("InitiateRekey after settle: %v", err)
	}
}

func TestControlRecordPausesThenResumesOnRekey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	cfgClient := Config{PeerVerifyKey: pub}
	cfgServer := Config{}
	client, server := pairedConns(t, cfgClient, cfgServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, client, server)

	rec := TransitionRecord{
		PrevAS:    "decoy-a",
		NextAS:    "decoy-b",
		Timestamp: time.Now().Unix(),
		FlowID:    "flow-1",
		Nonce:     mustRandom(t, 16),
	}
	msg, err := rec.signingBytes()
	if err != nil {
		t.Fatalf("signingBytes: %v", err)
	}
	sig := ed25519.Sign(priv, msg)
	signed := SignedTransitionRecord{Record: rec, Signature: sig}
	body, err := cryptoprim.MarshalDetCBOR(signed)
	if err != nil {
		t.Fatalf("MarshalDetCBOR: %v", err)
	}

	if err := server.writeFrame(frame.Control(body)); err != nil {
		t.Fatalf("send control frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !client.control.paused() {
		if time.Now().After(deadline) {
			t.Fatal("client never observed pause after accepted transition record")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := server.InitiateRekey(); err != nil {
		t.Fatalf("InitiateRekey: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for client.control.paused() {
		if time.Now().After(deadline) {
			t.Fatal("client never resumed after rekey completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControlRecordRejectsReplay(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	cfgClient := Config{PeerVerifyKey: pub}
	cfgServer := Config{}
	client, server := pairedConns(t, cfgClient, cfgServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, client, server)

	rec := TransitionRecord{
		PrevAS:    "decoy-a",
		NextAS:    "decoy-b",
		Timestamp: time.Now().Unix(),
		FlowID:    "flow-replay",
		Nonce:     mustRandom(t, 16),
	}
	msg, err := rec.signingBytes()
	if err != nil {
		t.Fatalf("signingBytes: %v", err)
	}
	sig := ed25519.Sign(priv, msg)
	signed := SignedTransitionRecord{Record: rec, Signature: sig}
	body, err := cryptoprim.MarshalDetCBOR(signed)
	if err != nil {
		t.Fatalf("MarshalDetCBOR: %v", err)
	}

	if err := server.writeFrame(frame.Control(body)); err != nil {
		t.Fatalf("send control frame: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !client.control.paused() {
		if time.Now().After(deadline) {
			t.Fatal("first control record never accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := server.InitiateRekey(); err != nil {
		t.Fatalf("InitiateRekey: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for client.control.paused() {
		if time.Now().After(deadline) {
			t.Fatal("never resumed before replay attempt")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := server.writeFrame(frame.Control(body)); err != nil {
		t.Fatalf("resend control frame: %v", err)
	}

	deadline = time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if client.control.paused() {
			t.Fatal("replayed transition record was accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
