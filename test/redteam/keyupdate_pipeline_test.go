// Package redteam — keyupdate_pipeline_test.go
//
// Adversarial harness for the mux's KEY_UPDATE rekey sequencing.
//
// Purpose:
//   Verify that a peer cannot pipeline a second KEY_UPDATE onto a
//   connection before the first one's overlap window has closed, on
//   either direction independently, and that a connection subjected to
//   the attempt keeps carrying frames once the pipelined update is
//   rejected and the legitimate rekey is allowed to settle.
//
// Test categories:
//   1. Local pipelining: InitiateRekey called twice back-to-back on the
//      same Conn before the overlap window closes.
//   2. Cross-direction independence: a rekey in flight on one side's tx
//      direction must not block the peer's own independent rekey
//      attempt, while each side still rejects its own pipelined retry.
//   3. Post-rejection liveness: confirm a connection that rejected a
//      pipelined update still completes a clean rekey afterward.
//
// Requirements: none — pure in-process net.Pipe, no privileges needed.
package redteam_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
	"github.com/veilmesh/htx-helper/internal/frame"
	"github.com/veilmesh/htx-helper/internal/mux"
)

// ─── Test infrastructure ──────────────────────────────────────────────

// logResult logs PASS/FINDING based on whether the pipelined attempt
// was rejected, mirroring the pass/finding convention used across this
// adversarial suite.
func logResult(t *testing.T, label string, err error, expectRejected bool) {
	t.Helper()
	switch {
	case err == nil && expectRejected:
		t.Logf("FINDING: %s — accepted a pipelined KEY_UPDATE that should have been rejected", label)
	case err != nil && expectRejected:
		t.Logf("PASS: %s — rejected (%v)", label, err)
	case err == nil && !expectRejected:
		t.Logf("PASS: %s — succeeded (expected)", label)
	default:
		t.Logf("INFO: %s — unexpected error: %v", label, err)
	}
}

func pipelinePair(t *testing.T) (client, server *mux.Conn) {
	t.Helper()

	a, b := net.Pipe()

	keyAB := randomArray32(t)
	saltAB := randomArray12(t)
	keyBA := randomArray32(t)
	saltBA := randomArray12(t)
	transcript := randomBytes(t, 32)

	clientTx := frame.NewKeyContext(frame.DirTX, keyAB, saltAB)
	clientRx := frame.NewKeyContext(frame.DirRX, keyBA, saltBA)
	serverTx := frame.NewKeyContext(frame.DirTX, keyBA, saltBA)
	serverRx := frame.NewKeyContext(frame.DirRX, keyAB, saltAB)

	log := zap.NewNop()
	client = mux.NewConn(a, clientTx, clientRx, true, transcript, mux.Config{}, log)
	server = mux.NewConn(b, serverTx, serverRx, false, transcript, mux.Config{}, log)
	return client, server
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b, err := cryptoprim.RandomBytes(n)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	return b
}

func randomArray32(t *testing.T) [32]byte {
	var out [32]byte
	copy(out[:], randomBytes(t, 32))
	return out
}

func randomArray12(t *testing.T) [12]byte {
	var out [12]byte
	copy(out[:], randomBytes(t, 12))
	return out
}

func runBoth(ctx context.Context, client, server *mux.Conn) (clientErrCh, serverErrCh chan error) {
	clientErrCh = make(chan error, 1)
	serverErrCh = make(chan error, 1)
	go func() { clientErrCh <- client.Run(ctx) }()
	go func() { serverErrCh <- server.Run(ctx) }()
	return
}

// ─── Test 1: local pipelining ──────────────────────────────────────────

// TestKeyUpdate_LocalPipelineRejected verifies that calling
// InitiateRekey twice back-to-back, before the first rekey's overlap
// window closes, fails the second call with a protocol error instead
// of silently advancing the epoch twice.
func TestKeyUpdate_LocalPipelineRejected(t *testing.T) {
	client, server := pipelinePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runBoth(ctx, client, server)

	if err := client.InitiateRekey(); err != nil {
		t.Fatalf("first InitiateRekey: %v", err)
	}
	err := client.InitiateRekey()
	logResult(t, "second InitiateRekey before overlap window closes", err, true)
	if err == nil {
		t.Error("pipelined InitiateRekey must return an error")
	}
}

// ─── Test 2: cross-direction independence ──────────────────────────────

// TestKeyUpdate_CrossDirectionIndependent verifies that a rekey the
// client has in flight on its tx direction does not block the server
// from independently rekeying its own tx direction, while each side
// still refuses to pipeline a second rekey onto its own direction.
func TestKeyUpdate_CrossDirectionIndependent(t *testing.T) {
	client, server := pipelinePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientErrCh, serverErrCh := runBoth(ctx, client, server)

	if err := client.InitiateRekey(); err != nil {
		t.Fatalf("client InitiateRekey: %v", err)
	}
	if err := server.InitiateRekey(); err != nil {
		t.Errorf("server InitiateRekey must not be blocked by the client's in-flight rekey on the other direction: %v", err)
	} else {
		logResult(t, "server rekey independent of client's in-flight rekey", nil, false)
	}

	if err := client.InitiateRekey(); err == nil {
		t.Error("client: pipelined InitiateRekey on its own direction must still be rejected")
	} else {
		logResult(t, "client pipelined rekey on its own direction rejected", err, true)
	}

	for _, ch := range []chan error{clientErrCh, serverErrCh} {
		select {
		case err := <-ch:
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				t.Logf("INFO: Run returned: %v", err)
			}
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// ─── Test 3: post-rejection liveness ───────────────────────────────────

// TestKeyUpdate_SettlesAfterRejection verifies that once a pipelined
// attempt is rejected, the connection keeps carrying PING frames and a
// clean follow-up rekey still succeeds — rejecting the pipeline must
// not wedge the connection.
func TestKeyUpdate_SettlesAfterRejection(t *testing.T) {
	client, server := pipelinePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runBoth(ctx, client, server)

	if err := client.InitiateRekey(); err != nil {
		t.Fatalf("first InitiateRekey: %v", err)
	}
	if err := client.InitiateRekey(); err == nil {
		t.Fatal("expected pipelined InitiateRekey to fail")
	}

	// The first rekey's overlap window closes after
	// frame.MaxOverlapFrames frames on the client's tx direction; send
	// PINGs until it does, then confirm a clean second rekey succeeds.
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = client.InitiateRekey(); err == nil {
			break
		}
		if perr := client.SendPing(); perr != nil {
			t.Fatalf("SendPing: %v", perr)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("rekey never settled enough to allow a clean follow-up: %v", err)
	}
	t.Log("PASS: clean rekey succeeded once the overlap window closed")
}
