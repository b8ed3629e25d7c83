// dialer.go wires the masked-dial routine the spec describes as
// "C6 selects a decoy+template, C4 opens a mirrored TLS session, C3
// runs the inner handshake inside it, C5 instantiates the mux over the
// resulting secrets, and a stream is opened for the target": Select →
// Calibrate → Dial → Noise handshake → mux.NewConn → OpenStream.
package supervisor

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/catalog"
	"github.com/veilmesh/htx-helper/internal/errs"
	"github.com/veilmesh/htx-helper/internal/frame"
	"github.com/veilmesh/htx-helper/internal/mux"
	htxnoise "github.com/veilmesh/htx-helper/internal/noise"
	"github.com/veilmesh/htx-helper/internal/tlsmirror"
)

// maxHandshakeMsgLen bounds a single framed inner-handshake message on
// the wire, well above the largest Noise IK message this cipher suite
// produces.
const maxHandshakeMsgLen = 4096

// responderStaticKeyLen is the length of the Curve25519 public key
// exported from the completed outer TLS session.
const responderStaticKeyLen = 32

// MaskedDialer chains the catalog, TLS mirror, inner handshake, and mux
// layers into the socks.MaskedDialer interface the SOCKS5 front-end
// calls on every accepted CONNECT.
type MaskedDialer struct {
	Catalog    *catalog.Engine
	Calibrator *tlsmirror.Calibrator
	Local      htxnoise.StaticKeyPair
	MuxConfig  mux.Config
	Log        *zap.Logger
	OnDial     func(outcome DialOutcome)
}

// DialOutcome summarizes one masked-dial attempt for metrics, the
// audit ledger, and the status tracker.
type DialOutcome struct {
	Target   string
	Decoy    string
	Success  bool
	ErrKind  string
	Duration time.Duration
}

// DialMasked implements socks.MaskedDialer.
func (d *MaskedDialer) DialMasked(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	start := time.Now()
	stream, decoyAddr, err := d.dial(ctx, target)
	outcome := DialOutcome{Target: target, Decoy: decoyAddr, Success: err == nil, Duration: time.Since(start)}
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			outcome.ErrKind = e.Kind.String()
		}
	}
	if d.OnDial != nil {
		d.OnDial(outcome)
	}
	return stream, err
}

func (d *MaskedDialer) dial(ctx context.Context, target string) (io.ReadWriteCloser, string, error) {
	targetHost, _, err := net.SplitHostPort(target)
	if err != nil {
		targetHost = target
	}

	decoy, err := d.Catalog.Select(targetHost)
	if err != nil {
		return nil, "", err
	}
	origin := net.JoinHostPort(decoy.DecoyHost, strconv.Itoa(int(decoy.DecoyPort)))

	_, templateID, helloID, err := d.Calibrator.Calibrate(ctx, origin)
	if err != nil {
		return nil, origin, err
	}

	uconn, err := tlsmirror.Dial(ctx, origin, decoy.DecoyHost, helloID)
	if err != nil {
		return nil, origin, errs.Wrap(errs.KindOuterHandshake, "supervisor.dial: outer TLS", err)
	}

	stream, err := d.completeInner(uconn, templateID, decoy, target)
	if err != nil {
		uconn.Close()
		return nil, origin, err
	}
	return stream, origin, nil
}

// completeInner runs the inner Noise handshake over uconn, derives
// transport secrets bound to the outer session and templateID, and
// opens a mux stream carrying the real target as its first framed
// message (the decoy endpoint has no other way to learn which origin
// the client actually wants reached).
func (d *MaskedDialer) completeInner(uconn *utls.UConn, templateID tlsmirror.TemplateID, decoy catalog.DecoyEntry, target string) (*mux.Stream, error) {
	responderPub, err := tlsmirror.ExportResponderStaticKey(uconn, templateID, responderStaticKeyLen)
	if err != nil {
		return nil, errs.Wrap(errs.KindInnerHandshake, "supervisor: export responder static key", err)
	}

	hs, err := htxnoise.NewInitiator(d.Local, responderPub, templateID[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindInnerHandshake, "supervisor: NewInitiator", err)
	}

	msg1, _, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInnerHandshake, "supervisor: write handshake message 1", err)
	}
	if err := writeFramedMessage(uconn, msg1); err != nil {
		return nil, errs.Wrap(errs.KindInnerHandshake, "supervisor: send handshake message 1", err)
	}

	msg2, err := readFramedMessage(uconn)
	if err != nil {
		return nil, errs.Wrap(errs.KindInnerHandshake, "supervisor: read handshake message 2", err)
	}
	if _, complete, err := hs.ReadMessage(msg2); err != nil {
		return nil, errs.Wrap(errs.KindInnerHandshake, "supervisor: process handshake message 2", err)
	} else if !complete {
		return nil, errs.New(errs.KindInnerHandshake, "supervisor: handshake incomplete after message 2")
	}

	transcriptHash, err := hs.TranscriptHash()
	if err != nil {
		return nil, errs.Wrap(errs.KindInnerHandshake, "supervisor: transcript hash", err)
	}

	alpn := decoy.ALPNOverride
	exporterCtx := htxnoise.ExporterContext{
		TemplateID: [32]byte(templateID),
		ALPN:       alpn,
	}
	secrets, err := htxnoise.DeriveTransportSecrets(transcriptHash, exporterCtx)
	if err != nil {
		return nil, errs.Wrap(errs.KindInnerHandshake, "supervisor: derive transport secrets", err)
	}

	txKC := frame.NewKeyContext(frame.DirTX, secrets.InitiatorToResponderKey, secrets.InitiatorToResponderSalt)
	rxKC := frame.NewKeyContext(frame.DirRX, secrets.ResponderToInitiatorKey, secrets.ResponderToInitiatorSalt)

	conn := mux.NewConn(uconn, txKC, rxKC, true, transcriptHash, d.MuxConfig, d.Log)
	go func() {
		if err := conn.Run(context.Background()); err != nil {
			d.Log.Debug("supervisor: mux connection ended", zap.Error(err))
		}
	}()

	stream, err := conn.OpenStream()
	if err != nil {
		return nil, errs.Wrap(errs.KindFlow, "supervisor: open stream", err)
	}
	if err := writeFramedMessage(stream, []byte(target)); err != nil {
		stream.Close()
		return nil, errs.Wrap(errs.KindFlow, "supervisor: send target header", err)
	}
	return stream, nil
}

// writeFramedMessage writes a 2-byte big-endian length prefix followed
// by msg: used for the two inner-handshake messages on the raw TLS
// connection, and once more on the opened stream to carry the real
// target host before the mux's own frame codec takes over relaying
// opaque bytes.
func writeFramedMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxHandshakeMsgLen {
		return fmt.Errorf("handshake message too large: %d bytes", len(msg))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readFramedMessage(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if int(n) > maxHandshakeMsgLen {
		return nil, fmt.Errorf("handshake message too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
