package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/errs"
)

const (
	version5     = 0x05
	methodNoAuth = 0x00
	methodNone   = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyTTLExpired          = 0x06
	replyCommandNotSupported = 0x07
	replyAddressNotSupported = 0x08
)

// MaskedDialer is the bridge into the masked-dial routine (C6 decoy
// selection, C4 TLS mirroring, C3 inner handshake, C5 mux): given a
// target "host:port", it returns an open application stream, or an
// error classified via internal/errs so the front-end can map it to a
// SOCKS5 reply code.
type MaskedDialer interface {
	DialMasked(ctx context.Context, target string) (io.ReadWriteCloser, error)
}

// Config configures a Server.
type Config struct {
	ListenAddr      string // default "127.0.0.1:1088"; loopback only
	RateLimit       int    // CONNECT attempts per source IP per RateLimitPeriod
	RateLimitPeriod time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:1088"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 100
	}
	if c.RateLimitPeriod == 0 {
		c.RateLimitPeriod = time.Minute
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Server accepts loopback SOCKS5 connections and drives each CONNECT
// through a MaskedDialer.
type Server struct {
	cfg     Config
	dialer  MaskedDialer
	limiter *LimiterSet
	log     *zap.Logger

	// OnOutcome, if set, is called after every CONNECT attempt with the
	// target host and whether the masked dial succeeded, letting C8
	// sample last_target/last_decoy-adjacent counters without this
	// package depending on the status layer.
	OnOutcome func(target string, success bool)
}

// NewServer constructs a Server bound to cfg.ListenAddr (not yet
// listening; call ListenAndServe).
func NewServer(cfg Config, dialer MaskedDialer, log *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		dialer:  dialer,
		limiter: NewLimiterSet(cfg.RateLimit, cfg.RateLimitPeriod),
		log:     log,
	}
}

// ListenAndServe binds the SOCKS5 listener and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return errs.Wrap(errs.KindResource, "socks.ListenAndServe: listen", err)
	}
	defer lis.Close()
	defer s.limiter.Close()

	s.log.Info("socks: listening", zap.String("addr", s.cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.Wrap(errs.KindResource, "socks.ListenAndServe: accept", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sourceIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !s.limiter.Allow(sourceIP) {
		s.log.Warn("socks: rate limit exceeded", zap.String("source", sourceIP))
		return
	}

	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := negotiateNoAuth(conn); err != nil {
		s.log.Debug("socks: method negotiation failed", zap.Error(err))
		return
	}

	target, err := readConnectRequest(conn)
	if err != nil {
		s.log.Debug("socks: request parse failed", zap.Error(err))
		writeReply(conn, replyAddressNotSupported)
		return
	}
	conn.SetDeadline(time.Time{})

	stream, dialErr := s.dialer.DialMasked(ctx, target)
	if dialErr != nil {
		code := replyCodeFor(dialErr)
		writeReply(conn, code)
		if s.OnOutcome != nil {
			s.OnOutcome(target, false)
		}
		s.log.Warn("socks: masked dial failed", zap.String("target", target), zap.Error(dialErr))
		return
	}
	defer stream.Close()

	if err := writeReply(conn, replySucceeded); err != nil {
		return
	}
	if s.OnOutcome != nil {
		s.OnOutcome(target, true)
	}

	relay(conn, stream)
}

// negotiateNoAuth reads the SOCKS5 method negotiation and selects the
// no-auth method (0x00), the only one this front-end implements.
func negotiateNoAuth(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("read negotiation header: %w", err)
	}
	if hdr[0] != version5 {
		return fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	supported := false
	for _, m := range methods {
		if m == methodNoAuth {
			supported = true
			break
		}
	}
	if !supported {
		conn.Write([]byte{version5, methodNone})
		return fmt.Errorf("client does not offer no-auth method")
	}
	_, err := conn.Write([]byte{version5, methodNoAuth})
	return err
}

// readConnectRequest parses a SOCKS5 request and returns "host:port"
// for a CONNECT command. DOMAIN addresses are preferred and are
// returned unresolved, so resolution happens at the decoy/exit rather
// than locally (DNS leak prevention).
func readConnectRequest(conn net.Conn) (string, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != version5 {
		return "", fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	if hdr[1] != cmdConnect {
		writeReply(conn, replyCommandNotSupported)
		return "", fmt.Errorf("unsupported command %d", hdr[1])
	}

	var host string
	switch hdr[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read IPv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		host = string(domain)
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read IPv6 address: %w", err)
		}
		host = net.IP(addr).String()
	default:
		return "", fmt.Errorf("unsupported address type %d", hdr[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBuf)

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// writeReply sends a SOCKS5 reply with a fixed 0.0.0.0:0 bound
// address, since the real bound address is the decoy connection's
// local endpoint and is not meaningful to the SOCKS client.
func writeReply(conn net.Conn, code byte) error {
	reply := []byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

// replyCodeFor maps a masked-dial error to a SOCKS5 reply code per the
// propagation policy: frame/handshake/flow/protocol failures and
// timeouts map to general failure or TTL expired; everything else
// falls back to general failure.
func replyCodeFor(err error) byte {
	if errs.Is(err, errs.KindTimeout) {
		return replyTTLExpired
	}
	return replyGeneralFailure
}

// relay bidirectionally copies bytes between the SOCKS client and the
// masked stream until either side closes or fails, mirroring the
// spec's backpressure requirement: io.Copy blocks on either side's
// Write, which is exactly "pause reading from the client when the mux
// write window is exhausted" for a stream-backed io.ReadWriteCloser.
func relay(client net.Conn, stream io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stream, client)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, stream)
		done <- struct{}{}
	}()
	<-done
}
