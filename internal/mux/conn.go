package mux

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
	"github.com/veilmesh/htx-helper/internal/frame"
)

// DefaultInitialWindow is the default per-stream flow-control window.
const DefaultInitialWindow = 64 * 1024

// DefaultChunkSize bounds how much of a single Write a Stream sends in
// one STREAM frame, leaving headroom under MaxRecordLen for the type
// byte, tag, and STREAM payload header.
const DefaultChunkSize = 16 * 1024

// Config configures a Conn's flow-control and rekey behavior.
type Config struct {
	InitialWindow     uint32
	ChunkSize         int
	RekeyCounterLimit uint64
	RekeyInterval     time.Duration
	PeerVerifyKey     ed25519.PublicKey // verifies CONTROL records from the peer
}

func (c Config) withDefaults() Config {
	if c.InitialWindow == 0 {
		c.InitialWindow = DefaultInitialWindow
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RekeyCounterLimit == 0 {
		c.RekeyCounterLimit = 1 << 20
	}
	if c.RekeyInterval == 0 {
		c.RekeyInterval = 10 * time.Minute
	}
	return c
}

// Conn is one HTX connection's frame multiplexer, running over a raw
// net.Conn that already carries the outer-TLS + inner-Noise encrypted
// bytes. Its read loop mirrors kernel.Processor.Run's shape: a single
// goroutine reading length-prefixed records and dispatching them,
// retargeted from ring-buffer kernel events to AEAD-sealed frames.
type Conn struct {
	raw       net.Conn
	txKC      *frame.KeyContext
	rxKC      *frame.KeyContext
	isClient  bool
	log       *zap.Logger
	chunkSize int
	cfg       Config

	transcriptHash []byte

	writeMu sync.Mutex

	mu          sync.Mutex
	streams     map[uint64]*Stream
	nextLocalID uint64
	closed      bool
	closeErr    error

	acceptCh chan *Stream
	doneCh   chan struct{}

	pingMu       sync.Mutex
	pendingPings map[[8]byte]time.Time
	lastPingRTT  time.Duration

	keyUpdate *keyUpdateState
	control   *controlState
}

// NewConn constructs a Conn. txKC/rxKC must already hold the transport
// secrets derived from the completed Noise handshake (see
// internal/noise). transcriptHash seeds subsequent KEY_UPDATE
// derivations.
func NewConn(raw net.Conn, txKC, rxKC *frame.KeyContext, isClient bool, transcriptHash []byte, cfg Config, log *zap.Logger) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		raw:            raw,
		txKC:           txKC,
		rxKC:           rxKC,
		isClient:       isClient,
		log:            log,
		chunkSize:      cfg.ChunkSize,
		cfg:            cfg,
		transcriptHash: transcriptHash,
		streams:        make(map[uint64]*Stream),
		acceptCh:       make(chan *Stream, 64),
		doneCh:         make(chan struct{}),
		pendingPings:   make(map[[8]byte]time.Time),
	}
	if isClient {
		c.nextLocalID = 1
	} else {
		c.nextLocalID = 2
	}
	c.keyUpdate = newKeyUpdateState()
	c.control = newControlState(cfg.PeerVerifyKey)
	return c
}

// Run starts the read loop. It blocks until ctx is cancelled or the
// connection fails, then tears the connection down.
func (c *Conn) Run(ctx context.Context) error {
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			c.raw.Close()
		case <-stopWatch:
		}
	}()

	err := c.readLoop()
	c.teardown(err)
	return err
}

func (c *Conn) readLoop() error {
	for {
		var hdr [3]byte
		if _, err := io.ReadFull(c.raw, hdr[:]); err != nil {
			return fmt.Errorf("mux: read length header: %w", err)
		}
		n, err := frame.ParseLength(hdr)
		if err != nil {
			return fmt.Errorf("mux: %w", err)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(c.raw, body); err != nil {
			return fmt.Errorf("mux: read record body: %w", err)
		}
		f, err := frame.Decode(body, c.rxKC)
		if err != nil {
			return fmt.Errorf("mux: decode: %w", err)
		}
		if err := c.dispatch(f); err != nil {
			return err
		}
	}
}

func (c *Conn) dispatch(f frame.Frame) error {
	c.keyUpdate.notePostRekeyFrame(true)
	switch f.Type {
	case frame.TypeStream:
		return c.handleStream(f)
	case frame.TypeWindowUpdate:
		return c.handleWindowUpdate(f)
	case frame.TypePing:
		return c.handlePing(f)
	case frame.TypeKeyUpdate:
		return c.handleKeyUpdate(f)
	case frame.TypeClose:
		return c.handleClose(f)
	case frame.TypeControl:
		return c.handleControl(f)
	default:
		return fmt.Errorf("mux: unknown frame type %d", f.Type)
	}
}

func (c *Conn) handleStream(f frame.Frame) error {
	if f.StreamID == frame.ControlStreamID {
		return fmt.Errorf("mux: STREAM frame on control stream 0 is a protocol error")
	}
	if c.control.paused() {
		// Data pause is in effect following an accepted transition
		// record; silently drop until the next KEY_UPDATE completes.
		return nil
	}

	s, isNew := c.getOrCreateStream(f.StreamID)
	if !s.checkRxWindow(uint32(len(f.Payload))) {
		_ = c.sendClose(f.StreamID, ReasonFlowControl)
		return fmt.Errorf("mux: stream %d flow-control window violation", f.StreamID)
	}
	s.deliver(f.Payload)
	if delta := s.growRxWindow(uint32(len(f.Payload))); delta > 0 {
		if err := c.sendWindowUpdate(f.StreamID, delta); err != nil {
			return err
		}
	}
	if isNew {
		select {
		case c.acceptCh <- s:
		default:
			c.log.Warn("accept queue full, dropping new stream", zap.Uint64("stream_id", f.StreamID))
		}
	}
	return nil
}

func (c *Conn) getOrCreateStream(id uint64) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[id]; ok {
		return s, false
	}
	s := newStream(c, id, c.cfg.InitialWindow)
	c.streams[id] = s
	return s, true
}

func (c *Conn) handleWindowUpdate(f frame.Frame) error {
	c.mu.Lock()
	s, ok := c.streams[f.StreamID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	s.addTxWindow(f.WindowDelta)
	return nil
}

func (c *Conn) handlePing(f frame.Frame) error {
	c.pingMu.Lock()
	sentAt, pending := c.pendingPings[f.Opaque]
	if pending {
		delete(c.pendingPings, f.Opaque)
		c.lastPingRTT = time.Since(sentAt)
	}
	c.pingMu.Unlock()
	if pending {
		return nil
	}
	// Not one of ours: treat as an echo request and reply in kind.
	return c.writeFrame(frame.Ping(f.Opaque))
}

func (c *Conn) handleClose(f frame.Frame) error {
	c.mu.Lock()
	s, ok := c.streams[f.StreamID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	s.closeLocal(fmt.Errorf("mux: stream %d closed by peer (reason %d)", f.StreamID, f.ReasonCode))
	return nil
}

// PingRTT returns the most recently measured PING round-trip time.
func (c *Conn) PingRTT() time.Duration {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return c.lastPingRTT
}

// SendPing transmits a PING frame with a fresh opaque token and
// records the send time for RTT measurement.
func (c *Conn) SendPing() error {
	var opaque [8]byte
	tok, err := cryptoprim.RandomBytes(8)
	if err != nil {
		return err
	}
	copy(opaque[:], tok)
	c.pingMu.Lock()
	c.pendingPings[opaque] = time.Now()
	c.pingMu.Unlock()
	return c.writeFrame(frame.Ping(opaque))
}

// OpenStream allocates a new locally-initiated stream id and registers it.
func (c *Conn) OpenStream() (*Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("mux: connection closed")
	}
	id := c.nextLocalID
	c.nextLocalID += 2
	s := newStream(c, id, c.cfg.InitialWindow)
	c.streams[id] = s
	c.mu.Unlock()
	return s, nil
}

// AcceptStream blocks until a peer-initiated stream arrives or ctx is done.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.acceptCh:
		return s, nil
	case <-c.doneCh:
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) sendStreamFrame(id uint64, data []byte) error {
	return c.writeFrame(frame.Stream(id, data, nil))
}

func (c *Conn) sendWindowUpdate(id uint64, delta uint32) error {
	return c.writeFrame(frame.WindowUpdate(id, delta))
}

func (c *Conn) sendClose(id uint64, reason uint16) error {
	return c.writeFrame(frame.Close(id, reason))
}

// writeFrame seals and writes f. The nonce/counter reservation inside
// frame.Encode must happen under the same lock as the actual write to
// c.raw: otherwise two concurrent callers can reserve counters in one
// order but win the write race in the other, putting a higher counter
// on the wire before a lower one and failing AEAD authentication on
// the receiving side. Holding writeMu across both keeps reservation
// order and wire order identical.
func (c *Conn) writeFrame(f frame.Frame) error {
	c.keyUpdate.notePostRekeyFrame(false)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wire, err := frame.Encode(f, c.txKC)
	if err != nil {
		return fmt.Errorf("mux: encode: %w", err)
	}
	_, err = c.raw.Write(wire)
	return err
}

// teardown zeroizes transport secrets and fails every open stream.
// Per the fatal-error discipline, any connection-level error closes
// everything; there is no partial-failure state.
func (c *Conn) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.closeLocal(err)
	}
	close(c.doneCh)
	c.txKC.Zeroize()
	c.rxKC.Zeroize()
	c.raw.Close()
	if c.control != nil {
		c.control.replay.Close()
	}
}
