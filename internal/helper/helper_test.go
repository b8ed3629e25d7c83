package helper

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestStateAdvanceFollowsAllowedGraph(t *testing.T) {
	ps := NewProcessState()

	if s, ok := ps.Advance(StateConnected); ok || s != StateOffline {
		t.Fatalf("expected illegal jump Offline->Connected to be rejected, got %v ok=%v", s, ok)
	}

	if s, ok := ps.Advance(StateCalibrating); !ok || s != StateCalibrating {
		t.Fatalf("Offline->Calibrating: got %v ok=%v", s, ok)
	}
	if s, ok := ps.Advance(StateConnecting); !ok || s != StateConnecting {
		t.Fatalf("Calibrating->Connecting: got %v ok=%v", s, ok)
	}
	if s, ok := ps.Advance(StateConnected); !ok || s != StateConnected {
		t.Fatalf("Connecting->Connected: got %v ok=%v", s, ok)
	}
	if s, ok := ps.Advance(StateDegraded); !ok || s != StateDegraded {
		t.Fatalf("Connected->Degraded: got %v ok=%v", s, ok)
	}
	if s, ok := ps.Advance(StateConnecting); !ok || s != StateConnecting {
		t.Fatalf("Degraded->Connecting (cycle): got %v ok=%v", s, ok)
	}

	if s, ok := ps.Advance(StateOffline); !ok || s != StateOffline {
		t.Fatalf("any->Offline must always be permitted, got %v ok=%v", s, ok)
	}
}

func TestFailureRateEWMA(t *testing.T) {
	fr := NewFailureRate(0.5)
	v := fr.Update(true)
	if v != 0.5 {
		t.Fatalf("first update: got %v want 0.5", v)
	}
	v = fr.Update(false)
	if v != 0.25 {
		t.Fatalf("second update: got %v want 0.25", v)
	}
	fr.Reset()
	if fr.Value() != 0 {
		t.Fatal("expected Reset to zero the value")
	}
}

func TestTrackerSnapshotPresenceBased(t *testing.T) {
	tr := NewTracker()
	snap := tr.Snapshot()
	if snap.CurrentTarget != "" || snap.CatalogVersion != 0 {
		t.Fatal("expected absent fields to be zero-valued before any activity")
	}

	tr.RecordAttempt("example.com:443")
	tr.RecordOutcome("example.com:443", "decoy-a.example.net", true, "")
	snap = tr.Snapshot()
	if snap.CurrentTarget != "example.com:443" || snap.CurrentDecoy != "decoy-a.example.net" {
		t.Fatalf("expected current target/decoy populated after success, got %+v", snap)
	}
	if snap.MaskedAttempts != 1 || snap.MaskedSuccesses != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}

	tr.RecordAttempt("example.com:443")
	tr.RecordOutcome("example.com:443", "", false, "dial timeout")
	snap = tr.Snapshot()
	if snap.CurrentTarget != "" {
		t.Fatal("expected current_target cleared on failure")
	}
	if snap.LastTarget != "example.com:443" || snap.LastDecoy != "decoy-a.example.net" {
		t.Fatalf("expected last_target/last_decoy to retain the prior success, got %+v", snap)
	}
	if snap.LastMaskedError != "dial timeout" {
		t.Fatalf("expected last_masked_error set, got %+v", snap)
	}
	if snap.MaskedFailures != 1 {
		t.Fatalf("expected 1 failure recorded, got %+v", snap)
	}
}

func TestStatusServerEndpoints(t *testing.T) {
	tr := NewTracker()
	tr.State().Advance(StateCalibrating)
	tr.State().Advance(StateConnecting)
	tr.RecordAttempt("example.com:443")
	tr.RecordOutcome("example.com:443", "decoy-a.example.net", true, "")

	lis := mustListen(t)
	srv := NewStatusServer(lis, tr, func() map[string]any {
		return map[string]any{"socks_addr": "127.0.0.1:1088"}
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	waitForServer(t, lis)

	resp, err := http.Get("http://" + lis + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	resp.Body.Close()
	if snap.CurrentTarget != "example.com:443" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	resp, err = http.Get("http://" + lis + "/ready")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /ready: err=%v status=%v", err, resp)
	}
	resp.Body.Close()

	resp, err = http.Get("http://" + lis + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	var ping map[string]any
	json.NewDecoder(resp.Body).Decode(&ping)
	resp.Body.Close()
	if ok, _ := ping["ok"].(bool); !ok {
		t.Fatalf("unexpected /ping body: %+v", ping)
	}

	resp, err = http.Get("http://" + lis + "/config")
	if err != nil {
		t.Fatalf("GET /config: %v", err)
	}
	var cfg map[string]any
	json.NewDecoder(resp.Body).Decode(&cfg)
	resp.Body.Close()
	if cfg["socks_addr"] != "127.0.0.1:1088" {
		t.Fatalf("unexpected /config body: %+v", cfg)
	}

	tr.SetUpdateTrigger(func(ctx context.Context) (bool, error) { return true, nil })
	resp, err = http.Get("http://" + lis + "/update")
	if err != nil {
		t.Fatalf("GET /update: %v", err)
	}
	var upd map[string]any
	json.NewDecoder(resp.Body).Decode(&upd)
	resp.Body.Close()
	if ok, _ := upd["updated"].(bool); !ok {
		t.Fatalf("unexpected /update body: %+v", upd)
	}
}

func mustListen(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/ready")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("status server never became ready")
}
