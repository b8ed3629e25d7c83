package noise

import (
	"bytes"
	"testing"
)

func completeHandshake(t *testing.T) (initiator, responder *Handshake) {
	t.Helper()
	respKP, err := GenerateStaticKeyPair()
	if err != nil {
		t.Fatalf("GenerateStaticKeyPair: %v", err)
	}
	initKP, err := GenerateStaticKeyPair()
	if err != nil {
		t.Fatalf("GenerateStaticKeyPair: %v", err)
	}

	initiator, err = NewInitiator(initKP, respKP.Public, []byte("htx-prologue"))
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	responder, err = NewResponder(respKP, []byte("htx-prologue"))
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	msg1, complete, err := initiator.WriteMessage(nil)
	if err != nil {
		t.Fatalf("initiator.WriteMessage: %v", err)
	}
	if complete {
		t.Fatal("handshake should not complete after one message")
	}
	if _, _, err := responder.ReadMessage(msg1); err != nil {
		t.Fatalf("responder.ReadMessage(msg1): %v", err)
	}

	msg2, complete, err := responder.WriteMessage(nil)
	if err != nil {
		t.Fatalf("responder.WriteMessage: %v", err)
	}
	if !complete {
		t.Fatal("handshake should complete after responder's message")
	}
	if _, complete, err := initiator.ReadMessage(msg2); err != nil || !complete {
		t.Fatalf("initiator.ReadMessage(msg2): complete=%v err=%v", complete, err)
	}
	return initiator, responder
}

func TestHandshakeCompletesWithMatchingTranscript(t *testing.T) {
	initiator, responder := completeHandshake(t)
	th1, err := initiator.TranscriptHash()
	if err != nil {
		t.Fatalf("initiator.TranscriptHash: %v", err)
	}
	th2, err := responder.TranscriptHash()
	if err != nil {
		t.Fatalf("responder.TranscriptHash: %v", err)
	}
	if !bytes.Equal(th1, th2) {
		t.Fatal("initiator and responder transcript hashes disagree")
	}
}

func TestDeriveTransportSecretsAgreeOnBothSides(t *testing.T) {
	initiator, responder := completeHandshake(t)
	th, _ := initiator.TranscriptHash()

	ctx := ExporterContext{
		TemplateID:   [32]byte{1, 2, 3},
		ALPN:         []string{"h2", "http/1.1"},
		Capabilities: 0b101,
		CompatTag:    "compat=1.1",
	}

	a, err := DeriveTransportSecrets(th, ctx)
	if err != nil {
		t.Fatalf("DeriveTransportSecrets (initiator side): %v", err)
	}
	th2, _ := responder.TranscriptHash()
	b, err := DeriveTransportSecrets(th2, ctx)
	if err != nil {
		t.Fatalf("DeriveTransportSecrets (responder side): %v", err)
	}
	if a != b {
		t.Fatal("transport secrets diverge between initiator and responder views")
	}
}

func TestDeriveTransportSecretsChangeWithContextMutation(t *testing.T) {
	initiator, _ := completeHandshake(t)
	th, _ := initiator.TranscriptHash()

	base := ExporterContext{TemplateID: [32]byte{9}, ALPN: []string{"h2"}, CompatTag: "compat=1.1"}
	mutated := base
	mutated.CompatTag = "compat=1.2"

	a, err := DeriveTransportSecrets(th, base)
	if err != nil {
		t.Fatalf("DeriveTransportSecrets: %v", err)
	}
	b, err := DeriveTransportSecrets(th, mutated)
	if err != nil {
		t.Fatalf("DeriveTransportSecrets: %v", err)
	}
	if a == b {
		t.Fatal("mutated exporter context produced identical transport secrets")
	}
}
