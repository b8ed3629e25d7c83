package tlsmirror

import (
	"context"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// exporterLabel is the TLS exporter label used to derive the
// responder's Noise static key from the completed outer session.
const exporterLabel = "htx inner responder static key"

// Dial opens a TCP connection to origin and completes the outer TLS
// handshake under helloID, reproducing the calibrated profile's wire
// shape exactly (uTLS owns ClientHello construction for the chosen
// ClientHelloID; the profile selection in Calibrate is what picks it).
func Dial(ctx context.Context, origin, serverName string, helloID utls.ClientHelloID) (*utls.UConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", origin)
	if err != nil {
		return nil, fmt.Errorf("tlsmirror: dial %s: %w", origin, err)
	}
	uconn := utls.UClient(conn, &utls.Config{ServerName: serverName}, helloID)
	if err := uconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tlsmirror: outer handshake with %s: %w", origin, err)
	}
	return uconn, nil
}

// ExportResponderStaticKey derives the inner handshake's responder
// static key material from the completed outer TLS session, with a
// context string that includes the TemplateID. Both sides must derive
// from the same outer session and the same TemplateID or the values
// diverge and the inner handshake fails — this is the channel-binding
// invariant, not a defect to special-case.
func ExportResponderStaticKey(uconn *utls.UConn, id TemplateID, length int) ([]byte, error) {
	material, err := uconn.ExportKeyingMaterial(exporterLabel, id[:], length)
	if err != nil {
		return nil, fmt.Errorf("tlsmirror: ExportKeyingMaterial: %w", err)
	}
	return material, nil
}
